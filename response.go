package dsnode

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Response is one partial result of an operation as seen by the caller.
// DatasetID is the id of a dataset created by the operation, or 0.
// Value holds the JSON encoded sketch value of sketch operations.
type Response struct {
	DatasetID int             `json:"datasetId,omitempty"`
	Progress  float64         `json:"progress"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// EncodeResponse serializes r for the wire.
func EncodeResponse(r *Response) (*PartialResponse, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encoding response")
	}
	return &PartialResponse{SerializedOp: b}, nil
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(pr *PartialResponse) (*Response, error) {
	r := &Response{}
	if err := json.Unmarshal(pr.SerializedOp, r); err != nil {
		return nil, decodeError(errors.Wrap(err, "decoding response"))
	}
	return r, nil
}

// DecodeValue unmarshals the sketch value carried by r into v.
func (r *Response) DecodeValue(v interface{}) error {
	if len(r.Value) == 0 {
		return errors.New("response carries no value")
	}
	return errors.Wrap(json.Unmarshal(r.Value, v), "decoding value")
}
