// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// AgentID identifies a data agent.
type AgentID uuid.UUID

// AssetGroupID identifies an asset group owned by an agent.
type AssetGroupID uuid.UUID

// CommandID identifies a single privacy command.
type CommandID uuid.UUID

// NewCommandID returns a random command id.
func NewCommandID() CommandID { return CommandID(uuid.New()) }

// compactHex renders a guid as 32 lowercase hex characters with no dashes.
func compactHex(u uuid.UUID) string {
	return hex.EncodeToString(u[:])
}

// parseGUID accepts both the dashed and the compact forms.
func parseGUID(kind, s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", kind, s, err)
	}
	return u, nil
}

func (id AgentID) String() string { return compactHex(uuid.UUID(id)) }

// IsZero reports whether the id is unset.
func (id AgentID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id AgentID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *AgentID) UnmarshalText(b []byte) error {
	u, err := parseGUID("agent id", string(b))
	*id = AgentID(u)
	return err
}

// ParseAgentID parses either guid form.
func ParseAgentID(s string) (AgentID, error) {
	u, err := parseGUID("agent id", s)
	return AgentID(u), err
}

func (id AssetGroupID) String() string { return compactHex(uuid.UUID(id)) }

// IsZero reports whether the id is unset.
func (id AssetGroupID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id AssetGroupID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *AssetGroupID) UnmarshalText(b []byte) error {
	u, err := parseGUID("asset group id", string(b))
	*id = AssetGroupID(u)
	return err
}

// ParseAssetGroupID parses either guid form.
func ParseAssetGroupID(s string) (AssetGroupID, error) {
	u, err := parseGUID("asset group id", s)
	return AssetGroupID(u), err
}

func (id CommandID) String() string { return compactHex(uuid.UUID(id)) }

// IsZero reports whether the id is unset.
func (id CommandID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id CommandID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *CommandID) UnmarshalText(b []byte) error {
	u, err := parseGUID("command id", string(b))
	*id = CommandID(u)
	return err
}

// ParseCommandID parses either guid form.
func ParseCommandID(s string) (CommandID, error) {
	u, err := parseGUID("command id", s)
	return CommandID(u), err
}
