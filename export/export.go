// Package export archives closed settlement periods to Parquet files,
// independent of the live relational store, so an operator can retain
// fee-distribution history past the store's own retention window and
// feed it to offline analytics tooling.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/lightning-goats/cl-hive-sub002/store"
)

// settlementRow is the Parquet schema for one settled round's summary,
// flattened for columnar analytics (one row per period, not per share).
type settlementRow struct {
	PeriodID   string `parquet:"name=period_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	State      string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	PoolMsat   int64  `parquet:"name=pool_msat, type=INT64"`
	DataHash   string `parquet:"name=data_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExecutedAt string `parquet:"name=executed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// feeReportRow is the Parquet schema for one reporter's per-period claim.
type feeReportRow struct {
	PeriodID      string `parquet:"name=period_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reporter      string `parquet:"name=reporter, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountMsat    int64  `parquet:"name=amount_msat, type=INT64"`
	CapacityMsat  int64  `parquet:"name=capacity_msat, type=INT64"`
	RoutingVolume int64  `parquet:"name=routing_volume, type=INT64"`
	UptimeSeconds int64  `parquet:"name=uptime_seconds, type=INT64"`
	ReceivedAt    string `parquet:"name=received_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// shareRow is the Parquet schema for one member's allocation within a
// settled round.
type shareRow struct {
	PeriodID   string `parquet:"name=period_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	NodeID     string `parquet:"name=node_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountMsat int64  `parquet:"name=amount_msat, type=INT64"`
}

// Archiver writes closed-period settlement and fee-report rows to a
// directory of Parquet files, one triplet of files per export run.
type Archiver struct {
	Store *store.Store
	// Dir is the directory Parquet files are written into; it must
	// already exist.
	Dir string
}

// Result names the files written by a single Run and how many source
// rows of each kind fed them.
type Result struct {
	SettlementFile string
	FeeReportFile  string
	ShareFile      string
	Rounds         int
	FeeReports     int
	Shares         int
}

// Run exports every round that reached the settled state at or after
// since, along with its backing fee reports and computed shares. The
// three files share a timestamped prefix so a single export run's
// outputs are easy to find together.
func (a *Archiver) Run(ctx context.Context, since time.Time) (*Result, error) {
	var rounds []store.SettlementRound
	var reports []store.FeeReport
	var shares []store.SettlementShare

	err := a.Store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		rounds, err = tx.SettledRoundsSince(since)
		if err != nil {
			return err
		}
		for _, round := range rounds {
			periodReports, err := tx.FeeReportsForPeriod(round.PeriodID)
			if err != nil {
				return err
			}
			reports = append(reports, periodReports...)

			periodShares, err := tx.SharesForPeriod(round.PeriodID)
			if err != nil {
				return err
			}
			shares = append(shares, periodShares...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export: read closed periods: %w", err)
	}

	prefix := fmt.Sprintf("hive-settlement-%s", since.UTC().Format("20060102T150405Z"))
	settlementPath := filepath.Join(a.Dir, prefix+"-rounds.parquet")
	feeReportPath := filepath.Join(a.Dir, prefix+"-fee-reports.parquet")
	sharePath := filepath.Join(a.Dir, prefix+"-shares.parquet")

	if err := writeSettlementRounds(settlementPath, rounds); err != nil {
		return nil, err
	}
	if err := writeFeeReports(feeReportPath, reports); err != nil {
		return nil, err
	}
	if err := writeShares(sharePath, shares); err != nil {
		return nil, err
	}

	return &Result{
		SettlementFile: settlementPath,
		FeeReportFile:  feeReportPath,
		ShareFile:      sharePath,
		Rounds:         len(rounds),
		FeeReports:     len(reports),
		Shares:         len(shares),
	}, nil
}

func writeSettlementRounds(path string, rounds []store.SettlementRound) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: settlement schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rounds {
		row := &settlementRow{
			PeriodID:   r.PeriodID,
			State:      r.State,
			PoolMsat:   int64(r.PoolMsat),
			DataHash:   r.DataHash,
			ExecutedAt: formatTimePtr(r.ExecutedAt),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: settlement write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: settlement flush: %w", err)
	}
	return file.Close()
}

func writeFeeReports(path string, reports []store.FeeReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(feeReportRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: fee report schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range reports {
		row := &feeReportRow{
			PeriodID:      r.PeriodID,
			Reporter:      r.Reporter,
			AmountMsat:    int64(r.AmountMsat),
			CapacityMsat:  int64(r.CapacityMsat),
			RoutingVolume: int64(r.RoutingVolume),
			UptimeSeconds: int64(r.UptimeSeconds),
			ReceivedAt:    r.ReceivedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: fee report write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: fee report flush: %w", err)
	}
	return file.Close()
}

func writeShares(path string, shares []store.SettlementShare) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(shareRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: share schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, s := range shares {
		row := &shareRow{
			PeriodID:   s.PeriodID,
			NodeID:     s.NodeID,
			AmountMsat: int64(s.AmountMsat),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: share write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: share flush: %w", err)
	}
	return file.Close()
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
