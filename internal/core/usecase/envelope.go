package usecase

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

type storageNotification struct {
	Records json.RawMessage `json:"Records"`
}

type storageRecord struct {
	S3 *struct {
		Bucket *struct {
			Name *string `json:"name"`
		} `json:"bucket"`
		Object *struct {
			Key *string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// ExtractObjectRefs turns a raw queue message body into storage object references.
//
// The body is either a storage notification ({"Records":[...]}) or a forwarding envelope
// whose string field "Message" carries that notification. When the nested message does not
// parse, the outer document is treated as the notification. A body without a Records list
// yields no references. Records lacking bucket or key are returned with empty fields so the
// caller can fail them individually. Keys are percent-decoded.
func ExtractObjectRefs(rawBody string) ([]domain.ObjectRef, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal([]byte(rawBody), &outer); err != nil {
		var anyJSON any
		if jsonErr := json.Unmarshal([]byte(rawBody), &anyJSON); jsonErr == nil {
			// Valid JSON that is not an object carries no envelope.
			return nil, nil
		}
		return nil, domain.WrapError(domain.ErrMalformedPayload, "parse message body", err)
	}

	notification := outer
	if rawMessage, ok := outer["Message"]; ok {
		var nestedText string
		if err := json.Unmarshal(rawMessage, &nestedText); err == nil {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal([]byte(nestedText), &nested); err == nil {
				notification = nested
			}
		}
	}

	rawRecords, ok := notification["Records"]
	if !ok {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(rawRecords, &records); err != nil {
		return nil, nil
	}

	refs := make([]domain.ObjectRef, 0, len(records))
	for _, raw := range records {
		var rec storageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// Non-object entries are kept as empty references and rejected by the caller.
			refs = append(refs, domain.ObjectRef{})
			continue
		}
		refs = append(refs, rec.objectRef())
	}
	return refs, nil
}

func (r storageRecord) objectRef() domain.ObjectRef {
	var ref domain.ObjectRef
	if r.S3 == nil {
		return ref
	}
	if r.S3.Bucket != nil && r.S3.Bucket.Name != nil {
		ref.Bucket = *r.S3.Bucket.Name
	}
	if r.S3.Object != nil && r.S3.Object.Key != nil {
		ref.Key = decodeObjectKey(*r.S3.Object.Key)
	}
	return ref
}

// decodeObjectKey reverses the form encoding storage notifications apply to keys ("+" is a space).
// A key that is not valid form encoding is used verbatim, so a literal "%" in an object name
// still resolves to that object.
func decodeObjectKey(raw string) string {
	if !strings.ContainsAny(raw, "%+") {
		return raw
	}
	key, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return key
}

func validateObjectRef(ref domain.ObjectRef) error {
	switch {
	case strings.TrimSpace(ref.Bucket) == "" && strings.TrimSpace(ref.Key) == "":
		return domain.WrapError(domain.ErrMissingObjectReference, "validate object reference", fmt.Errorf("bucket and key are empty"))
	case strings.TrimSpace(ref.Bucket) == "":
		return domain.WrapError(domain.ErrMissingObjectReference, "validate object reference", fmt.Errorf("bucket is empty for key %q", ref.Key))
	case strings.TrimSpace(ref.Key) == "":
		return domain.WrapError(domain.ErrMissingObjectReference, "validate object reference", fmt.Errorf("key is empty in bucket %q", ref.Bucket))
	}
	return nil
}
