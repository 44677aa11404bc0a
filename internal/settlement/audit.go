package settlement

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"github.com/greenline-otc/bridge/internal/store"
)

// AuditRow is one Completed or inconsistent_release Order line in the
// settlement export, built from the Order row alone; history entries are
// not read.
type AuditRow struct {
	OrderID         string
	GateID          int64
	AmountFiat      string
	Currency        string
	BybitAccountID  string
	BybitAdID       string
	BybitOrderID    string
	CompletedAt     string
	InconsistentRel bool
}

type auditParquetRow struct {
	OrderID         string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	GateID          int64   `parquet:"name=gate_id, type=INT64"`
	AmountFiat      string  `parquet:"name=amount_fiat, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency        string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	BybitAccountID  string  `parquet:"name=bybit_account_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BybitAdID       string  `parquet:"name=bybit_ad_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BybitOrderID    string  `parquet:"name=bybit_order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletedAt     string  `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	InconsistentRel bool    `parquet:"name=inconsistent_release, type=BOOLEAN"`
}

// ExportAudit writes a CSV and a Parquet file covering every Order that
// reached Completed or the inconsistent_release Failed path within
// [start, end), for nightly operator reconciliation. Mirrors the
// CSV/Parquet pairing `services/otc-gateway/recon/reconciler.go` produces
// for its own reconciliation window.
func ExportAudit(db *gorm.DB, start, end time.Time, outputDir string) (csvPath, parquetPath string, err error) {
	var orders []store.Order
	if err := db.Where("(status = ? OR failed_reason = ?) AND updated_at >= ? AND updated_at < ?",
		store.OrderCompleted, ReasonInconsistentRelease, start, end).
		Find(&orders).Error; err != nil {
		return "", "", fmt.Errorf("settlement: load completed orders: %w", err)
	}

	rows := make([]AuditRow, 0, len(orders))
	for _, order := range orders {
		row := AuditRow{
			OrderID:         order.ID.String(),
			GateID:          order.GateID,
			AmountFiat:      order.AmountFiat.String(),
			Currency:        order.Currency,
			InconsistentRel: order.FailedReason == ReasonInconsistentRelease,
		}
		if order.BybitAccountID != nil {
			row.BybitAccountID = order.BybitAccountID.String()
		}
		if order.BybitAdID != nil {
			row.BybitAdID = *order.BybitAdID
		}
		if order.BybitOrderID != nil {
			row.BybitOrderID = *order.BybitOrderID
		}
		if order.CompletedAt != nil {
			row.CompletedAt = order.CompletedAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("settlement: ensure output dir: %w", err)
	}
	base := fmt.Sprintf("settlement_%s_%s", start.Format("20060102"), end.Format("20060102"))
	csvPath = outputDir + "/" + base + ".csv"
	parquetPath = outputDir + "/" + base + ".parquet"

	if err := writeAuditCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	if err := writeAuditParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeAuditCSV(path string, rows []AuditRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"order_id", "gate_id", "amount_fiat", "currency", "bybit_account_id", "bybit_ad_id", "bybit_order_id", "completed_at", "inconsistent_release"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("settlement: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.OrderID, fmt.Sprintf("%d", row.GateID), row.AmountFiat, row.Currency,
			row.BybitAccountID, row.BybitAdID, row.BybitOrderID, row.CompletedAt,
			boolString(row.InconsistentRel),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("settlement: write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeAuditParquet(path string, rows []AuditRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(auditParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &auditParquetRow{
			OrderID: row.OrderID, GateID: row.GateID, AmountFiat: row.AmountFiat, Currency: row.Currency,
			BybitAccountID: row.BybitAccountID, BybitAdID: row.BybitAdID, BybitOrderID: row.BybitOrderID,
			CompletedAt: row.CompletedAt, InconsistentRel: row.InconsistentRel,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("settlement: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet flush: %w", err)
	}
	return file.Close()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
