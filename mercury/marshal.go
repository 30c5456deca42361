// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mercury

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Bytes is a byte slice that marshals to and unmarshals from a base-64
// string, the encoding the trade service uses for all binary fields (keys,
// hashes, DER signatures).
type Bytes []byte

// String returns the base-64 encoding of the Bytes.
func (b Bytes) String() string {
	return base64.StdEncoding.EncodeToString(b)
}

// MarshalJSON satisfies the json.Marshaler interface, and will marshal the
// bytes to a base-64 string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON satisfies the json.Unmarshaler interface, and expects a UTF-8
// encoding of a base-64 string.
func (b *Bytes) UnmarshalJSON(enc []byte) error {
	var s string
	if err := json.Unmarshal(enc, &s); err != nil {
		return fmt.Errorf("marshalled Bytes %q not valid: %w", string(enc), err)
	}
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = dec
	return nil
}
