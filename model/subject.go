// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package model

// Subject is the person or device a command acts on.
type Subject interface {
	SubjectType() SubjectType
}

// UserAccountSubject is a consumer account.
type UserAccountSubject struct {
	PUID        int64  `json:"puid"`
	AnonymousID string `json:"anid,omitempty"`
	XboxUserID  int64  `json:"xuid,omitempty"`
}

func (UserAccountSubject) SubjectType() SubjectType { return SubjectTypeUserAccount }

// OrgAccountSubject is a work or school account.
type OrgAccountSubject struct {
	ObjectID string `json:"oid"`
	TenantID string `json:"tid"`
}

func (OrgAccountSubject) SubjectType() SubjectType { return SubjectTypeOrgAccount }

type DeviceSubject struct {
	GlobalDeviceID int64 `json:"gdid"`
}

func (DeviceSubject) SubjectType() SubjectType { return SubjectTypeDevice }

type NonWindowsDeviceSubject struct {
	AssetID string `json:"aid"`
}

func (NonWindowsDeviceSubject) SubjectType() SubjectType { return SubjectTypeNonWindowsDevice }

type BrowserSubject struct {
	BrowserID int64 `json:"bid"`
}

func (BrowserSubject) SubjectType() SubjectType { return SubjectTypeBrowser }

// DemographicSubject identifies a person by contact details only.
type DemographicSubject struct {
	Names  []string `json:"names,omitempty"`
	Emails []string `json:"emails,omitempty"`
	Phones []string `json:"phones,omitempty"`
}

func (DemographicSubject) SubjectType() SubjectType { return SubjectTypeDemographic }

type EmployeeSubject struct {
	EmployeeID string   `json:"eid"`
	Emails     []string `json:"emails,omitempty"`
}

func (EmployeeSubject) SubjectType() SubjectType { return SubjectTypeEmployee }
