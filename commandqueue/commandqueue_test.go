// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package commandqueue

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xmidt-org/courier/model"
	"github.com/xmidt-org/courier/queue"
)

var (
	testAgentID, _      = model.ParseAgentID("8fa0d6d4-3861-441d-bee6-eb7e9f6a3630")
	testAssetGroupID, _ = model.ParseAssetGroupID("dbb3d991-78da-4738-86ff-9b9fca2692a0")
	otherID, _          = model.ParseAgentID("a69db147-d9cc-40bc-9b8a-d2dbb116ef80")
	testTime            = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
)

func ageOutCommand(now time.Time) *model.Command {
	return &model.Command{
		ID:                     model.NewCommandID(),
		AgentID:                testAgentID,
		AssetGroupID:           testAssetGroupID,
		Type:                   model.CommandTypeAgeOut,
		Subject:                model.UserAccountSubject{PUID: 42},
		AgeOut:                 &model.AgeOutPayload{LastActive: now.Add(-24 * time.Hour)},
		Timestamp:              now,
		AbsoluteExpirationTime: now.Add(30 * 24 * time.Hour),
	}
}

func TestPartitionKey(t *testing.T) {
	assert := assert.New(t)
	pk := PartitionKey(testAgentID, testAssetGroupID)
	assert.Equal("8fa0d6d43861441dbee6eb7e9f6a3630.dbb3d99178da473886ff9b9fca2692a0", pk)
	assert.Regexp(regexp.MustCompile(`^[0-9a-f]{32}\.[0-9a-f]{32}$`), pk)
	assert.Equal(pk, PartitionKey(testAgentID, testAssetGroupID))
	assert.NotEqual(pk, PartitionKey(otherID, testAssetGroupID))
}

func TestQueueName(t *testing.T) {
	assert := assert.New(t)
	name := QueueName(testAssetGroupID, model.SubjectTypeUserAccount, model.CommandTypeAgeOut)
	assert.Equal("cq-0-4-dbb3d99178da473886ff9b9fca2692a0", name)
	assert.LessOrEqual(len(QueueName(testAssetGroupID, model.SubjectTypeBrowser, model.CommandTypeAgeOut)), 63)
}

func TestCreateVisibilityTimeout(t *testing.T) {
	day := func(s string) time.Time {
		d, _ := time.Parse(time.DateOnly, s)
		return d
	}
	clock := func(s string) time.Time {
		d, _ := time.Parse("15:04:05.000", s)
		return d
	}
	tcs := []struct {
		Description string
		Now         time.Time
		NextVisible time.Time
		Expected    time.Duration
	}{
		{Description: "Two weeks", Now: day("2000-01-01"), NextVisible: day("2000-01-15"), Expected: 14 * 24 * time.Hour},
		{Description: "In the past", Now: day("3000-01-01"), NextVisible: day("2000-01-01")},
		{Description: "Whole seconds", Now: clock("01:00:00.000"), NextVisible: clock("01:05:00.000"), Expected: 300 * time.Second},
		{Description: "Fraction dropped", Now: clock("01:00:00.123"), NextVisible: clock("01:05:00.345"), Expected: 300 * time.Second},
	}
	for _, tc := range tcs {
		t.Run(tc.Description, func(t *testing.T) {
			assert.Equal(t, tc.Expected, CreateVisibilityTimeout(tc.Now, tc.NextVisible))
		})
	}
}

func TestUpdateFields(t *testing.T) {
	tcs := []struct {
		Ops      ReplaceOperations
		Expected queue.UpdateFields
	}{
		{Ops: ReplaceNone, Expected: 0},
		{Ops: ReplaceCommandContent, Expected: queue.UpdateContent},
		{Ops: ReplaceLeaseExtension, Expected: queue.UpdateVisibility},
		{Ops: ReplaceLeaseExtension | ReplaceCommandContent, Expected: queue.UpdateVisibility | queue.UpdateContent},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.Expected, UpdateFields(tc.Ops))
	}
}

func TestErrors(t *testing.T) {
	assert := assert.New(t)
	inner := errors.New("inner")
	err := error(&Error{Code: Conflict, Expected: true, Err: inner})
	assert.ErrorIs(err, inner)
	assert.Equal(Conflict, CodeOf(err))
	assert.Equal(CodeUnknown, CodeOf(inner))
	assert.Contains(err.Error(), "Conflict")
	assert.Contains((&Error{Code: NotSupported}).Error(), "NotSupported")

	r := &RangeError{Field: "commandType", Value: model.CommandTypeDelete, Allowed: QueueCommandTypes}
	assert.Equal("commandType Delete is out of range, allowed: AgeOut", r.Error())
}
