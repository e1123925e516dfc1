// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/xmidt-org/courier/model"
)

// Receipt format versions. A field is only meaningful when the receipt
// version is at least the field's minimum.
const (
	CurrentVersion = 3

	MinVersionExpiration         = 1
	MinVersionQualifier          = 1
	MinVersionCommandType        = 1
	MinVersionCommandCreatedTime = 2
	MinVersionQueueStorage       = 3
)

var (
	// ErrStorageTypeMismatch means a receipt reached a backend of the wrong
	// kind after the caller already matched it to that backend.
	ErrStorageTypeMismatch = errors.New("invalid operation: lease receipt storage type does not match backend")

	// ErrUnsupported means a receipt was not issued by the queue examining it.
	ErrUnsupported = errors.New("lease receipt is not supported by this queue")

	ErrMalformed = errors.New("malformed lease receipt")
)

// VersionError is returned when a receipt is too old for the requested use.
type VersionError struct {
	Required int
	Actual   int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("lease receipt version %d is below required version %d", e.Actual, e.Required)
}

// MismatchError names the first receipt field that did not match.
type MismatchError struct {
	Field string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s mismatch", ErrUnsupported, e.Field)
}

func (e *MismatchError) Unwrap() error { return ErrUnsupported }

// Receipt proves which backend, partition and command a lease belongs to.
type Receipt struct {
	Version         int             `json:"v"`
	DatabaseMoniker string          `json:"dm"`
	CommandID       model.CommandID `json:"cid"`

	// Token is an etag for document stores and a serialized MessageToken
	// for queue stores.
	Token string `json:"tk"`

	AssetGroupID        model.AssetGroupID `json:"gid"`
	AgentID             model.AgentID      `json:"aid"`
	SubjectType         model.SubjectType  `json:"st"`
	AssetGroupQualifier string             `json:"agq"`

	// ApproximateExpirationTime is when the command becomes visible again.
	ApproximateExpirationTime time.Time         `json:"et"`
	CommandType               model.CommandType `json:"ct"`
	CloudInstance             string            `json:"ci"`
	CommandCreatedTime        time.Time         `json:"cts"`
	LeaseAcquiredTime         time.Time         `json:"lat"`
	StorageType               model.StorageType `json:"qst,omitempty"`
}

// UnmarshalJSON treats receipts that predate queue storage as document
// store receipts.
func (r *Receipt) UnmarshalJSON(b []byte) error {
	type plain Receipt
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if p.Version < MinVersionQueueStorage {
		p.StorageType = model.StorageTypeDocument
	}
	*r = Receipt(p)
	return nil
}

// RequireVersion fails when the receipt is older than min.
func (r *Receipt) RequireVersion(min int) error {
	if r.Version < min {
		return &VersionError{Required: min, Actual: r.Version}
	}
	return nil
}

// MessageToken is the queue store continuation token.
type MessageToken struct {
	MessageID  string `json:"mi"`
	PopReceipt string `json:"pr"`
}

// NewQueueToken serializes a queue message token for Receipt.Token.
func NewQueueToken(messageID, popReceipt string) string {
	b, _ := json.Marshal(MessageToken{MessageID: messageID, PopReceipt: popReceipt})
	return string(b)
}

// MessageToken decodes Token for a queue store receipt. The version check
// comes first, then the storage type, then the token itself.
func (r *Receipt) MessageToken() (MessageToken, error) {
	var t MessageToken
	if err := r.RequireVersion(MinVersionQueueStorage); err != nil {
		return t, err
	}
	if r.StorageType != model.StorageTypeQueue {
		return t, ErrStorageTypeMismatch
	}
	if err := json.Unmarshal([]byte(r.Token), &t); err != nil {
		return t, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return t, nil
}

// Serialize renders the receipt as base64 of gzip compressed JSON.
func (r *Receipt) Serialize() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err = w.Write(raw); err != nil {
		return "", err
	}
	if err = w.Close(); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Parse is the inverse of Serialize.
func Parse(s string) (*Receipt, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &r, nil
}

// TryParse is Parse without the error.
func TryParse(s string) (*Receipt, bool) {
	r, err := Parse(s)
	return r, err == nil
}
