// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package model

// Predicate narrows a delete command to part of a data type.
type Predicate interface {
	DataType() DataType
}

type BrowsingHistoryPredicate struct {
	URI string `json:"uri"`
}

func (BrowsingHistoryPredicate) DataType() DataType { return DataTypeBrowsingHistory }

type SearchRequestsAndQueryPredicate struct {
	ImpressionGUID string `json:"impressionGuid"`
}

func (SearchRequestsAndQueryPredicate) DataType() DataType { return DataTypeSearchRequestsAndQuery }

type ProductAndServiceUsagePredicate struct {
	AppID       string              `json:"appId"`
	PropertyBag map[string][]string `json:"propertyBag,omitempty"`
}

func (ProductAndServiceUsagePredicate) DataType() DataType { return DataTypeProductAndServiceUsage }

type ContentConsumptionPredicate struct {
	ContentID string `json:"contentId"`
	MediaType string `json:"mediaType,omitempty"`
}

func (ContentConsumptionPredicate) DataType() DataType { return DataTypeContentConsumption }

type InkingTypingAndSpeechPredicate struct {
	ImpressionGUID string `json:"impressionGuid"`
}

func (InkingTypingAndSpeechPredicate) DataType() DataType { return DataTypeInkingTypingAndSpeech }
