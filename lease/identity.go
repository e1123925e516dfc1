// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"time"

	"github.com/xmidt-org/courier/model"
)

// Identity is everything a command queue instance is bound to. A receipt is
// only meaningful to the instance whose identity issued it.
type Identity struct {
	StorageType     model.StorageType
	DatabaseMoniker string
	AgentID         model.AgentID
	AssetGroupID    model.AssetGroupID
	SubjectType     model.SubjectType

	// CommandType is checked only when set. Queue stores bind one command
	// type per queue.
	CommandType model.CommandType

	MinVersion int
}

// Check compares r with the identity field by field and stops at the first
// mismatch. The version is checked last and reported as a *VersionError.
func (id Identity) Check(r *Receipt) error {
	switch {
	case r == nil:
		return &MismatchError{Field: "receipt"}
	case r.StorageType != id.StorageType:
		return &MismatchError{Field: "storage type"}
	case r.DatabaseMoniker != id.DatabaseMoniker:
		return &MismatchError{Field: "database moniker"}
	case r.AgentID != id.AgentID:
		return &MismatchError{Field: "agent id"}
	case r.AssetGroupID != id.AssetGroupID:
		return &MismatchError{Field: "asset group id"}
	case r.SubjectType != id.SubjectType:
		return &MismatchError{Field: "subject type"}
	case id.CommandType != model.CommandTypeNone && r.CommandType != id.CommandType:
		return &MismatchError{Field: "command type"}
	}
	return r.RequireVersion(id.MinVersion)
}

// Supports reports whether Check passes. A receipt older than MinVersion is
// reported as false like any mismatch; callers that need the *VersionError
// call Check.
func (id Identity) Supports(r *Receipt) bool {
	return id.Check(r) == nil
}

// Mint builds a current version receipt for a command popped by this identity.
func (id Identity) Mint(c *model.Command, token string, acquired, visible time.Time) *Receipt {
	return &Receipt{
		Version:                   CurrentVersion,
		DatabaseMoniker:           id.DatabaseMoniker,
		CommandID:                 c.ID,
		Token:                     token,
		AssetGroupID:              id.AssetGroupID,
		AgentID:                   id.AgentID,
		SubjectType:               id.SubjectType,
		AssetGroupQualifier:       c.AssetGroupQualifier,
		ApproximateExpirationTime: visible.UTC(),
		CommandType:               c.Type,
		CloudInstance:             c.CloudInstance,
		CommandCreatedTime:        c.Timestamp,
		LeaseAcquiredTime:         acquired.UTC(),
		StorageType:               id.StorageType,
	}
}
