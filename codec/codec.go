// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/xmidt-org/courier/model"
)

// Encode serializes a command as the JSON form of its StorageRecord.
func Encode(c *model.Command) ([]byte, error) {
	r, err := ToRecord(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// Decode parses the output of Encode. Unknown fields are rejected.
func Decode(data []byte) (*model.Command, error) {
	var r StorageRecord
	if err := strictUnmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding storage record: %w", err)
	}
	if r.Version > RecordVersion {
		return nil, &UnsupportedError{Kind: "record version", Value: fmt.Sprint(r.Version)}
	}
	return FromRecord(&r)
}
