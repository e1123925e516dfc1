// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package model

import "time"

// TimeRange bounds the data a delete command covers.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// DeletePayload is carried by Delete commands. A nil Predicate deletes the
// whole data type within the time range.
type DeletePayload struct {
	DataType  DataType
	Predicate Predicate
	TimeRange TimeRange
}

// ExportPayload is carried by Export commands.
type ExportPayload struct {
	DataTypes []DataType
}

// AgeOutPayload is carried by AgeOut commands.
type AgeOutPayload struct {
	LastActive time.Time
	Suspended  bool
}

// Command is a single privacy action addressed to one agent and asset group.
// Exactly one of Delete, Export or AgeOut is set, matching Type. AccountClose
// commands carry no payload.
type Command struct {
	ID                  CommandID
	AgentID             AgentID
	AssetGroupID        AssetGroupID
	AssetGroupQualifier string
	RequestBatchID      string
	CorrelationVector   string
	Verifier            string

	// AgentState is opaque state the agent attaches when it checkpoints.
	AgentState string

	Type    CommandType
	Subject Subject

	Delete *DeletePayload
	Export *ExportPayload
	AgeOut *AgeOutPayload

	Timestamp              time.Time
	NextVisibleTime        time.Time
	AbsoluteExpirationTime time.Time

	CloudInstance    string
	CommandSource    string
	QueueStorageType StorageType
}

// SubjectType returns the type of the command subject, or -1 when there is none.
func (c *Command) SubjectType() SubjectType {
	if c.Subject == nil {
		return SubjectType(-1)
	}
	return c.Subject.SubjectType()
}

// TTL is how long the command should live in storage relative to now. Zero
// means no expiration was set.
func (c *Command) TTL(now time.Time) time.Duration {
	if c.AbsoluteExpirationTime.IsZero() {
		return 0
	}
	ttl := c.AbsoluteExpirationTime.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
