package store

import (
	"context"
	"time"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/types"
)

// Gateway is the metadata store contract used by the ingestor, planner
// and control API. Every method returns a *ferrors.Error so callers can
// classify failures without string matching.
type Gateway interface {
	// Factors and versions.
	CreateFactor(ctx context.Context, name string) *ferrors.Error
	CreateGroupFactor(ctx context.Context, name string, members []string) *ferrors.Error
	CreateVersion(ctx context.Context, factor, versionLabel string, code []byte) (int64, *ferrors.Error)
	CreateGroupVersion(ctx context.Context, group, versionLabel string, memberVersions map[string]string) (int64, *ferrors.Error)
	IsFactorExists(ctx context.Context, name string) (bool, *ferrors.Error)
	IsVersionExists(ctx context.Context, factor, versionLabel string) (bool, *ferrors.Error)
	GetLatestVersion(ctx context.Context, factor string) (*types.FactorVersion, *ferrors.Error)
	GetGroupForMember(ctx context.Context, member string) (string, *ferrors.Error)
	GetMembers(ctx context.Context, group string, versionID *int64) ([]types.GroupMembership, *ferrors.Error)
	ListFactors(ctx context.Context) ([]types.Factor, *ferrors.Error)
	ListVersions(ctx context.Context, factor string) ([]types.FactorVersion, *ferrors.Error)

	// Linkages bind a factor version to a stock's result table.
	CreateLinkage(ctx context.Context, versionID int64, stock string) (int64, *ferrors.Error)
	GetLinkageID(ctx context.Context, versionID int64, stock string) (int64, *ferrors.Error)
	ListLinkedStocks(ctx context.Context, factor string) ([]types.Linkage, *ferrors.Error)
	IsResultTableExists(ctx context.Context, linkageID int64) (bool, *ferrors.Error)
	ListUpdatedDates(ctx context.Context, linkageID int64) ([]string, *ferrors.Error)

	// Result frames (per linkage, one row-set per day).
	WriteResultFrame(ctx context.Context, linkageID int64, date string, frame *types.Frame) *ferrors.Error
	ReadResultFrame(ctx context.Context, linkageID int64, date string) (*types.Frame, *ferrors.Error)
	ReadResultRange(ctx context.Context, linkageID int64, from, to string) (*types.Frame, *ferrors.Error)

	// Raw tick data (per stock, one row-set per day).
	WriteTickFrame(ctx context.Context, stock string, date string, frame *types.Frame) *ferrors.Error
	ReadTickFrame(ctx context.Context, stock string, date string) (*types.Frame, *ferrors.Error)
	ListTickUpdatedDates(ctx context.Context, stock string) ([]string, *ferrors.Error)
	IsTickStockExists(ctx context.Context, stock string) (bool, *ferrors.Error)

	// Stock views are named aggregates over a relation of underlying stocks.
	CreateStockView(ctx context.Context, view types.StockView) *ferrors.Error
	GetStockView(ctx context.Context, name string) (*types.StockView, *ferrors.Error)

	// Finished-task bookkeeping, read back by the control API.
	RecordFinishedTask(ctx context.Context, ft types.FinishedTask) *ferrors.Error
	ListFinishedTasks(ctx context.Context, since time.Time) ([]types.FinishedTask, *ferrors.Error)

	// Bootstrap creates the four schemas (meta, factor data, tick data,
	// stock view data) if they do not already exist. Safe to call
	// repeatedly; used by the coordinator's migrate subcommand.
	Bootstrap(ctx context.Context) *ferrors.Error

	Close() error
}
