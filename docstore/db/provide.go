// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"time"

	"github.com/xmidt-org/courier/docstore"
	"github.com/xmidt-org/courier/docstore/cassandra"
	"github.com/xmidt-org/courier/docstore/dynamodb"
	"github.com/xmidt-org/courier/docstore/inmem"
	"github.com/xmidt-org/courier/metric"
	"github.com/xmidt-org/courier/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const localMoniker = "local"

type Configs struct {
	Dynamo   *dynamodb.Config
	Yugabyte *cassandra.Config

	// PopBlock is how long a partition is skipped after an empty pop.
	PopBlock time.Duration
}

type SetupIn struct {
	fx.In
	Configs  Configs
	Measures metric.Measures
	LC       fx.Lifecycle
	Logger   *zap.Logger
}

func Provide() fx.Option {
	return fx.Options(
		fx.Provide(
			SetupCollections,
		),
	)
}

// SetupCollections picks the document store from configuration and returns
// one pop blocking collection per subject type.
func SetupCollections(in SetupIn) (docstore.Set, error) {
	var (
		collections []docstore.Collection
		err         error
	)
	switch {
	case in.Configs.Dynamo != nil:
		in.Logger.Info("using dynamodb document store implementation")
		collections, err = dynamodb.NewCollections(context.Background(), *in.Configs.Dynamo, in.Measures, in.Logger)
	case in.Configs.Yugabyte != nil:
		in.Logger.Info("using yugabyte document store implementation")
		collections, err = cassandra.NewCollections(*in.Configs.Yugabyte, in.Measures, in.LC, in.Logger)
	default:
		in.Logger.Info("using in memory document store implementation")
		for _, subject := range model.SubjectTypes() {
			collections = append(collections, inmem.NewCollection(localMoniker, subject))
		}
	}
	if err != nil {
		return nil, err
	}

	for i, c := range collections {
		collections[i] = docstore.NewPopBlocker(c, in.Configs.PopBlock, nil)
	}
	return docstore.NewSet(collections...), nil
}
