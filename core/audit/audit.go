// Package audit re-verifies stored checkpoints and exports them for
// off-line solvency review.
package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"commitchain/core/checkpoint"
	"commitchain/core/hub"
	"commitchain/core/merkle"
	"commitchain/storage"
)

// Row is one committed interval.
type Row struct {
	WalletID uint64
	Address  string
	Left     *big.Int
	Right    *big.Int
	Checksum common.Hash
	Leaf     common.Hash
	Proof    merkle.Proof
	Verified bool
}

// Report is the outcome of re-verifying one (token, eon) checkpoint.
type Report struct {
	Token      string
	Eon        uint64
	Root       common.Hash
	UpperBound *big.Int
	Rows       []Row
	Issues     []string
}

// Solvent reports whether the checkpoint passed every check.
func (r Report) Solvent() bool {
	return len(r.Issues) == 0
}

// Auditor reads checkpoints back from the ledger store.
type Auditor struct {
	store  *storage.Store
	logger *slog.Logger
}

// New constructs an auditor.
func New(store *storage.Store, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: store, logger: logger.With("component", "audit")}
}

// Check loads the commitment of (token, eon) and verifies that intervals are
// consecutive from zero, that they sum to the upper bound and that every
// stored proof resolves to the committed root.
func (a *Auditor) Check(ctx context.Context, token string, eon uint64) (Report, error) {
	report := Report{Token: token, Eon: eon}
	err := a.store.Transaction(ctx, func(tx *gorm.DB) error {
		var commitment storage.TokenCommitment
		err := tx.First(&commitment, "token = ? AND eon_number = ?", token, eon).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return hub.PriorStatef("no checkpoint for %s/%d", token, eon)
		}
		if err != nil {
			return fmt.Errorf("load commitment: %w", err)
		}
		report.Root = commitment.Root.Common()
		report.UpperBound = commitment.UpperBound.Big()

		var wallets []storage.Wallet
		err = tx.Joins("JOIN exclusive_balance_allotments ON exclusive_balance_allotments.wallet_id = wallets.id").
			Where("wallets.token = ? AND exclusive_balance_allotments.eon_number = ?", token, eon).
			Order("wallets.address ASC").
			Find(&wallets).Error
		if err != nil {
			return fmt.Errorf("list committed wallets: %w", err)
		}
		if len(wallets) != commitment.WalletCount {
			report.Issues = append(report.Issues, fmt.Sprintf("commitment lists %d wallets, %d allotments stored", commitment.WalletCount, len(wallets)))
		}

		offset := new(big.Int)
		for _, wallet := range wallets {
			row := Row{WalletID: wallet.ID, Address: wallet.Address}
			allotment, proof, err := checkpoint.LoadProof(tx, wallet, eon)
			if err != nil && !errors.Is(err, hub.ErrInsufficientPriorState) {
				return err
			}
			if err != nil {
				report.Issues = append(report.Issues, fmt.Sprintf("wallet %s: %v", wallet.Address, err))
				allotment, _, _ = storage.Allotment(tx, wallet.ID, eon)
			} else {
				row.Proof = proof
				row.Leaf = proof.Leaf
				row.Verified = proof.Root == report.Root && merkle.Verify(report.Root, proof.Leaf, proof)
			}
			row.Left = allotment.Left.Big()
			row.Right = allotment.Right.Big()
			row.Checksum = allotment.ActiveStateChecksum.Common()
			if !row.Verified {
				report.Issues = append(report.Issues, fmt.Sprintf("wallet %s: proof does not resolve to root", wallet.Address))
			}
			if row.Left.Cmp(offset) != 0 {
				report.Issues = append(report.Issues, fmt.Sprintf("wallet %s: left %s, expected %s", wallet.Address, row.Left, offset))
			}
			if row.Right.Cmp(row.Left) < 0 {
				report.Issues = append(report.Issues, fmt.Sprintf("wallet %s: right below left", wallet.Address))
			}
			offset.Set(row.Right)
			report.Rows = append(report.Rows, row)
		}
		if offset.Cmp(report.UpperBound) != 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("intervals end at %s, upper bound is %s", offset, report.UpperBound))
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	if !report.Solvent() {
		a.logger.Warn("checkpoint audit found issues", "token", token, "eon", eon, "issues", len(report.Issues))
	}
	return report, nil
}

// Export writes the report rows as CSV and Parquet files under dir and
// returns their paths.
func (a *Auditor) Export(report Report, dir string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("audit: create dir: %w", err)
	}
	name := fmt.Sprintf("allotments_%s_%d", report.Token, report.Eon)
	csvPath := filepath.Join(dir, name+".csv")
	if err := writeCSV(csvPath, report); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(dir, name+".parquet")
	if err := writeParquet(parquetPath, report); err != nil {
		return "", "", err
	}
	a.logger.Info("audit export written", "csv", csvPath, "parquet", parquetPath, "rows", len(report.Rows))
	return csvPath, parquetPath, nil
}

var csvHeader = []string{
	"token", "eon", "wallet_id", "address", "left", "right", "active_state_checksum", "leaf", "proof", "trail", "verified",
}

func writeCSV(path string, report Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range report.Rows {
		record := []string{
			report.Token,
			strconv.FormatUint(report.Eon, 10),
			strconv.FormatUint(row.WalletID, 10),
			row.Address,
			row.Left.String(),
			row.Right.String(),
			row.Checksum.Hex(),
			row.Leaf.Hex(),
			common.Bytes2Hex(row.Proof.SiblingBytes()),
			row.Proof.TrailString(),
			strconv.FormatBool(row.Verified),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

// ParquetRow is the on-disk schema of the Parquet export.
type ParquetRow struct {
	Token    string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Eon      int64  `parquet:"name=eon, type=INT64"`
	WalletID int64  `parquet:"name=wallet_id, type=INT64"`
	Address  string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Left     string `parquet:"name=left, type=BYTE_ARRAY, convertedtype=UTF8"`
	Right    string `parquet:"name=right, type=BYTE_ARRAY, convertedtype=UTF8"`
	Checksum string `parquet:"name=active_state_checksum, type=BYTE_ARRAY, convertedtype=UTF8"`
	Leaf     string `parquet:"name=leaf, type=BYTE_ARRAY, convertedtype=UTF8"`
	Proof    string `parquet:"name=proof, type=BYTE_ARRAY, convertedtype=UTF8"`
	Trail    string `parquet:"name=trail, type=BYTE_ARRAY, convertedtype=UTF8"`
	Verified bool   `parquet:"name=verified, type=BOOLEAN"`
}

func writeParquet(path string, report Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(ParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range report.Rows {
		pr := &ParquetRow{
			Token:    report.Token,
			Eon:      int64(report.Eon),
			WalletID: int64(row.WalletID),
			Address:  row.Address,
			Left:     row.Left.String(),
			Right:    row.Right.String(),
			Checksum: row.Checksum.Hex(),
			Leaf:     row.Leaf.Hex(),
			Proof:    common.Bytes2Hex(row.Proof.SiblingBytes()),
			Trail:    row.Proof.TrailString(),
			Verified: row.Verified,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
