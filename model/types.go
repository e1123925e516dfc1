// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package model

import "fmt"

// CommandType enumerates the privacy actions an agent can be asked to perform.
type CommandType int

const (
	CommandTypeNone CommandType = iota
	CommandTypeAccountClose
	CommandTypeDelete
	CommandTypeExport
	CommandTypeAgeOut
)

var commandTypeNames = map[CommandType]string{
	CommandTypeNone:         "None",
	CommandTypeAccountClose: "AccountClose",
	CommandTypeDelete:       "Delete",
	CommandTypeExport:       "Export",
	CommandTypeAgeOut:       "AgeOut",
}

func (t CommandType) String() string {
	if name, ok := commandTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int(t))
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) (CommandType, error) {
	for t, name := range commandTypeNames {
		if name == s {
			return t, nil
		}
	}
	return CommandTypeNone, fmt.Errorf("unknown command type %q", s)
}

// SubjectType enumerates the kinds of privacy subject a command can target.
type SubjectType int

const (
	SubjectTypeUserAccount SubjectType = iota
	SubjectTypeOrgAccount
	SubjectTypeDevice
	SubjectTypeDemographic
	SubjectTypeEmployee
	SubjectTypeNonWindowsDevice
	SubjectTypeBrowser
)

var subjectTypeNames = map[SubjectType]string{
	SubjectTypeUserAccount:      "UserAccount",
	SubjectTypeOrgAccount:       "OrgAccount",
	SubjectTypeDevice:           "Device",
	SubjectTypeDemographic:      "Demographic",
	SubjectTypeEmployee:         "Employee",
	SubjectTypeNonWindowsDevice: "NonWindowsDevice",
	SubjectTypeBrowser:          "Browser",
}

func (t SubjectType) String() string {
	if name, ok := subjectTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SubjectType(%d)", int(t))
}

// SubjectTypes lists every subject type in ordinal order.
func SubjectTypes() []SubjectType {
	return []SubjectType{
		SubjectTypeUserAccount,
		SubjectTypeOrgAccount,
		SubjectTypeDevice,
		SubjectTypeDemographic,
		SubjectTypeEmployee,
		SubjectTypeNonWindowsDevice,
		SubjectTypeBrowser,
	}
}

// ParseSubjectType is the inverse of String.
func ParseSubjectType(s string) (SubjectType, error) {
	for t, name := range subjectTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown subject type %q", s)
}

// StorageType says which kind of backend holds a command.
type StorageType int

const (
	StorageTypeUndefined StorageType = iota
	StorageTypeQueue
	StorageTypeDocument
)

func (t StorageType) String() string {
	switch t {
	case StorageTypeQueue:
		return "queue"
	case StorageTypeDocument:
		return "document"
	default:
		return "undefined"
	}
}

// DataType names a category of personal data.
type DataType string

const (
	DataTypeBrowsingHistory        DataType = "BrowsingHistory"
	DataTypeSearchRequestsAndQuery DataType = "SearchRequestsAndQuery"
	DataTypeProductAndServiceUsage DataType = "ProductAndServiceUsage"
	DataTypeContentConsumption     DataType = "ContentConsumption"
	DataTypeInkingTypingAndSpeech  DataType = "InkingTypingAndSpeechUtterance"
	DataTypeCustomerContent        DataType = "CustomerContent"
)
