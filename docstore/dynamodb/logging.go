// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dynamodb

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

type loggingService struct {
	service
	logger *zap.Logger
}

func newLoggingService(logger *zap.Logger, s service) service {
	return &loggingService{service: s, logger: logger}
}

func (s *loggingService) Query(ctx context.Context, q partitionQuery) (page queryPage, consumedCapacity *types.ConsumedCapacity, err error) {
	defer func() {
		s.logger.Debug("dynamodb partition query",
			zap.String("partitionKey", q.PartitionKey),
			zap.Bool("countOnly", q.CountOnly),
			zap.Int("itemsSize", len(page.Items)),
			zap.Int64("count", page.Count),
			zap.Error(err))
	}()
	page, consumedCapacity, err = s.service.Query(ctx, q)
	return
}
