package mq

import "encoding/json"

// envelope is the small JSON wrapper placed on the wire for every
// queue message, carrying either the inline codec payload or a
// pointer to an off-loaded blob.
type envelope struct {
	Payload  []byte `json:"payload"`
	BlobName string `json:"blobName,omitempty"`
}

func marshalEnvelope(e envelope) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, err
	}
	return e, nil
}
