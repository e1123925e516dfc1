// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xmidt-org/courier/model"
)

// RecordVersion is written into every StorageRecord.
const RecordVersion = 1

var (
	ErrMissingPayload = errors.New("command payload does not match its type")
	ErrMissingSubject = errors.New("command has no subject")
)

// UnsupportedError is returned when a command, subject, data type or predicate
// has no entry in the codec tables.
type UnsupportedError struct {
	Kind        string
	Value       string
	CommandType model.CommandType
}

func (e *UnsupportedError) Error() string {
	if e.CommandType == model.CommandTypeNone {
		return fmt.Sprintf("unsupported %s %s", e.Kind, e.Value)
	}
	return fmt.Sprintf("unsupported %s %s for command type %s", e.Kind, e.Value, e.CommandType)
}

// StorageRecord is the backend agnostic document a command is stored as.
// CommandType, Subject.Type and Predicate.Type are the discriminators.
//
// Times are written as RFC 3339 with nanoseconds and keep their instant and
// UTC offset through a round trip. Zone names other than UTC and Local are
// reduced to their offset, and monotonic clock readings are dropped.
type StorageRecord struct {
	Version             int              `json:"v"`
	CommandID           string           `json:"id"`
	AgentID             string           `json:"aid"`
	AssetGroupID        string           `json:"agid"`
	AssetGroupQualifier string           `json:"agq,omitempty"`
	RequestBatchID      string           `json:"bid,omitempty"`
	CorrelationVector   string           `json:"cv,omitempty"`
	Verifier            string           `json:"ver,omitempty"`
	AgentState          string           `json:"as,omitempty"`
	CommandType         int              `json:"ct"`
	Subject             SubjectRecord    `json:"s"`
	Timestamp           *time.Time       `json:"ts,omitempty"`
	NextVisibleTime     *time.Time       `json:"nvt,omitempty"`
	AbsoluteExpiration  *time.Time       `json:"aet,omitempty"`
	CloudInstance       string           `json:"ci,omitempty"`
	CommandSource       string           `json:"src,omitempty"`
	QueueStorageType    int              `json:"qst,omitempty"`
	DataType            string           `json:"dt,omitempty"`
	Predicate           *PredicateRecord `json:"p,omitempty"`
	StartTime           *time.Time       `json:"sts,omitempty"`
	EndTime             *time.Time       `json:"ets,omitempty"`
	DataTypes           []string         `json:"dts,omitempty"`
	LastActive          *time.Time       `json:"la,omitempty"`
	Suspended           bool             `json:"sus,omitempty"`
}

type SubjectRecord struct {
	Type int             `json:"st"`
	Data json.RawMessage `json:"d"`
}

type PredicateRecord struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

type subjectDecoder func(json.RawMessage) (model.Subject, error)

type predicateDecoder func(json.RawMessage) (model.Predicate, error)

// subjectDecoders has one entry per subject type the codec understands.
var subjectDecoders = map[model.SubjectType]subjectDecoder{
	model.SubjectTypeUserAccount:      subjectOf[model.UserAccountSubject],
	model.SubjectTypeOrgAccount:       subjectOf[model.OrgAccountSubject],
	model.SubjectTypeDevice:           subjectOf[model.DeviceSubject],
	model.SubjectTypeDemographic:      subjectOf[model.DemographicSubject],
	model.SubjectTypeEmployee:         subjectOf[model.EmployeeSubject],
	model.SubjectTypeNonWindowsDevice: subjectOf[model.NonWindowsDeviceSubject],
	model.SubjectTypeBrowser:          subjectOf[model.BrowserSubject],
}

// commandSubjects lists the subject types each command type may target.
var commandSubjects = map[model.CommandType][]model.SubjectType{
	model.CommandTypeAccountClose: {
		model.SubjectTypeUserAccount,
		model.SubjectTypeOrgAccount,
	},
	model.CommandTypeDelete: {
		model.SubjectTypeUserAccount,
		model.SubjectTypeOrgAccount,
		model.SubjectTypeDevice,
		model.SubjectTypeDemographic,
		model.SubjectTypeEmployee,
		model.SubjectTypeNonWindowsDevice,
		model.SubjectTypeBrowser,
	},
	model.CommandTypeExport: {
		model.SubjectTypeUserAccount,
		model.SubjectTypeOrgAccount,
		model.SubjectTypeDemographic,
		model.SubjectTypeEmployee,
	},
	model.CommandTypeAgeOut: {
		model.SubjectTypeUserAccount,
	},
}

// dataTypes has one entry per data type. A nil decoder means the data type
// takes no predicate.
var dataTypes = map[model.DataType]predicateDecoder{
	model.DataTypeBrowsingHistory:        predicateOf[model.BrowsingHistoryPredicate],
	model.DataTypeSearchRequestsAndQuery: predicateOf[model.SearchRequestsAndQueryPredicate],
	model.DataTypeProductAndServiceUsage: predicateOf[model.ProductAndServiceUsagePredicate],
	model.DataTypeContentConsumption:     predicateOf[model.ContentConsumptionPredicate],
	model.DataTypeInkingTypingAndSpeech:  predicateOf[model.InkingTypingAndSpeechPredicate],
	model.DataTypeCustomerContent:        nil,
}

func subjectOf[T model.Subject](raw json.RawMessage) (model.Subject, error) {
	var s T
	if err := strictUnmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func predicateOf[T model.Predicate](raw json.RawMessage) (model.Predicate, error) {
	var p T
	if err := strictUnmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func strictUnmarshal(data []byte, v any) error {
	d := json.NewDecoder(bytes.NewReader(data))
	d.DisallowUnknownFields()
	return d.Decode(v)
}

func allowsSubject(ct model.CommandType, st model.SubjectType) error {
	allowed, ok := commandSubjects[ct]
	if !ok {
		return &UnsupportedError{Kind: "command type", Value: ct.String()}
	}
	if _, ok := subjectDecoders[st]; !ok {
		return &UnsupportedError{Kind: "subject type", Value: st.String(), CommandType: ct}
	}
	for _, a := range allowed {
		if a == st {
			return nil
		}
	}
	return &UnsupportedError{Kind: "subject type", Value: st.String(), CommandType: ct}
}

func toRecordTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.Round(0)
	return &t
}

func fromRecordTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// ToRecord converts a command into its storage record.
func ToRecord(c *model.Command) (*StorageRecord, error) {
	if c.Subject == nil {
		return nil, ErrMissingSubject
	}
	if err := allowsSubject(c.Type, c.Subject.SubjectType()); err != nil {
		return nil, err
	}
	subject, err := json.Marshal(c.Subject)
	if err != nil {
		return nil, err
	}

	r := &StorageRecord{
		Version:             RecordVersion,
		CommandID:           c.ID.String(),
		AgentID:             c.AgentID.String(),
		AssetGroupID:        c.AssetGroupID.String(),
		AssetGroupQualifier: c.AssetGroupQualifier,
		RequestBatchID:      c.RequestBatchID,
		CorrelationVector:   c.CorrelationVector,
		Verifier:            c.Verifier,
		AgentState:          c.AgentState,
		CommandType:         int(c.Type),
		Subject:             SubjectRecord{Type: int(c.Subject.SubjectType()), Data: subject},
		Timestamp:           toRecordTime(c.Timestamp),
		NextVisibleTime:     toRecordTime(c.NextVisibleTime),
		AbsoluteExpiration:  toRecordTime(c.AbsoluteExpirationTime),
		CloudInstance:       c.CloudInstance,
		CommandSource:       c.CommandSource,
		QueueStorageType:    int(c.QueueStorageType),
	}

	switch c.Type {
	case model.CommandTypeDelete:
		if c.Delete == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingPayload, c.Type)
		}
		err = deleteToRecord(c.Delete, r)
	case model.CommandTypeExport:
		if c.Export == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingPayload, c.Type)
		}
		for _, dt := range c.Export.DataTypes {
			if _, ok := dataTypes[dt]; !ok {
				return nil, &UnsupportedError{Kind: "data type", Value: string(dt), CommandType: c.Type}
			}
			r.DataTypes = append(r.DataTypes, string(dt))
		}
	case model.CommandTypeAgeOut:
		if c.AgeOut == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingPayload, c.Type)
		}
		r.LastActive = toRecordTime(c.AgeOut.LastActive)
		r.Suspended = c.AgeOut.Suspended
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func deleteToRecord(d *model.DeletePayload, r *StorageRecord) error {
	decoder, ok := dataTypes[d.DataType]
	if !ok {
		return &UnsupportedError{Kind: "data type", Value: string(d.DataType), CommandType: model.CommandTypeDelete}
	}
	r.DataType = string(d.DataType)
	r.StartTime = toRecordTime(d.TimeRange.Start)
	r.EndTime = toRecordTime(d.TimeRange.End)
	if d.Predicate == nil {
		return nil
	}
	if decoder == nil || d.Predicate.DataType() != d.DataType {
		return &UnsupportedError{Kind: "predicate type", Value: string(d.Predicate.DataType()), CommandType: model.CommandTypeDelete}
	}
	data, err := json.Marshal(d.Predicate)
	if err != nil {
		return err
	}
	r.Predicate = &PredicateRecord{Type: string(d.DataType), Data: data}
	return nil
}

// FromRecord converts a storage record back into a command.
func FromRecord(r *StorageRecord) (*model.Command, error) {
	ct := model.CommandType(r.CommandType)
	st := model.SubjectType(r.Subject.Type)
	if err := allowsSubject(ct, st); err != nil {
		return nil, err
	}
	subject, err := subjectDecoders[st](r.Subject.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s subject: %w", st, err)
	}

	c := &model.Command{
		AssetGroupQualifier:    r.AssetGroupQualifier,
		RequestBatchID:         r.RequestBatchID,
		CorrelationVector:      r.CorrelationVector,
		Verifier:               r.Verifier,
		AgentState:             r.AgentState,
		Type:                   ct,
		Subject:                subject,
		Timestamp:              fromRecordTime(r.Timestamp),
		NextVisibleTime:        fromRecordTime(r.NextVisibleTime),
		AbsoluteExpirationTime: fromRecordTime(r.AbsoluteExpiration),
		CloudInstance:          r.CloudInstance,
		CommandSource:          r.CommandSource,
		QueueStorageType:       model.StorageType(r.QueueStorageType),
	}
	if c.ID, err = model.ParseCommandID(r.CommandID); err != nil {
		return nil, err
	}
	if c.AgentID, err = model.ParseAgentID(r.AgentID); err != nil {
		return nil, err
	}
	if c.AssetGroupID, err = model.ParseAssetGroupID(r.AssetGroupID); err != nil {
		return nil, err
	}

	switch ct {
	case model.CommandTypeDelete:
		c.Delete, err = deleteFromRecord(r)
	case model.CommandTypeExport:
		c.Export = &model.ExportPayload{}
		for _, name := range r.DataTypes {
			dt := model.DataType(name)
			if _, ok := dataTypes[dt]; !ok {
				return nil, &UnsupportedError{Kind: "data type", Value: name, CommandType: ct}
			}
			c.Export.DataTypes = append(c.Export.DataTypes, dt)
		}
	case model.CommandTypeAgeOut:
		c.AgeOut = &model.AgeOutPayload{
			LastActive: fromRecordTime(r.LastActive),
			Suspended:  r.Suspended,
		}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func deleteFromRecord(r *StorageRecord) (*model.DeletePayload, error) {
	dt := model.DataType(r.DataType)
	decoder, ok := dataTypes[dt]
	if !ok {
		return nil, &UnsupportedError{Kind: "data type", Value: r.DataType, CommandType: model.CommandTypeDelete}
	}
	d := &model.DeletePayload{
		DataType: dt,
		TimeRange: model.TimeRange{
			Start: fromRecordTime(r.StartTime),
			End:   fromRecordTime(r.EndTime),
		},
	}
	if r.Predicate == nil {
		return d, nil
	}
	if decoder == nil || r.Predicate.Type != r.DataType {
		return nil, &UnsupportedError{Kind: "predicate type", Value: r.Predicate.Type, CommandType: model.CommandTypeDelete}
	}
	p, err := decoder(r.Predicate.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s predicate: %w", dt, err)
	}
	d.Predicate = p
	return d, nil
}
