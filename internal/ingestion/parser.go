package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"termlend/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before anything reaches the deterministic engine.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "DepositAtMaturity":
		return parseDepositAtMaturity(raw.Data)
	case "WithdrawAtMaturity":
		return parseWithdrawAtMaturity(raw.Data)
	case "BorrowAtMaturity":
		return parseBorrowAtMaturity(raw.Data)
	case "RepayAtMaturity":
		return parseRepayAtMaturity(raw.Data)
	case "DepositFloating":
		return parseDepositFloating(raw.Data)
	case "WithdrawFloating":
		return parseWithdrawFloating(raw.Data)
	case "EnterMarket":
		return parseEnterMarket(raw.Data)
	case "ExitMarket":
		return parseExitMarket(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "RiskParamUpdate":
		return parseRiskParamUpdate(raw.Data)
	case "CashDeposit":
		return parseCashDeposit(raw.Data)
	case "CashWithdraw":
		return parseCashWithdraw(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Amounts are
// 18-decimal fixed-point carried as decimal strings.

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

// parseOptAmount treats an absent field as zero.
func parseOptAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return parseAmount(field, s)
}

type fixedOpJSON struct {
	OpID        string `json:"op_id"`
	Account     string `json:"account"`
	Market      string `json:"market"`
	Maturity    int64  `json:"maturity"`
	Assets      string `json:"assets"`
	MinAssets   string `json:"min_assets,omitempty"`
	MaxAssets   string `json:"max_assets,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j *fixedOpJSON) ids() (op, account uuid.UUID, err error) {
	op, err = uuid.Parse(j.OpID)
	if err != nil {
		return op, account, fmt.Errorf("parse op_id: %w", err)
	}
	account, err = uuid.Parse(j.Account)
	if err != nil {
		return op, account, fmt.Errorf("parse account: %w", err)
	}
	return op, account, nil
}

func parseDepositAtMaturity(data []byte) (*event.DepositAtMaturity, error) {
	var j fixedOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositAtMaturity: %w", err)
	}
	opID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	minAssets, err := parseOptAmount("min_assets", j.MinAssets)
	if err != nil {
		return nil, err
	}
	return &event.DepositAtMaturity{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Maturity:  j.Maturity,
		Assets:    assets,
		MinAssets: minAssets,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawAtMaturity(data []byte) (*event.WithdrawAtMaturity, error) {
	var j fixedOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawAtMaturity: %w", err)
	}
	opID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	minAssets, err := parseOptAmount("min_assets", j.MinAssets)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawAtMaturity{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Maturity:  j.Maturity,
		Assets:    assets,
		MinAssets: minAssets,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseBorrowAtMaturity(data []byte) (*event.BorrowAtMaturity, error) {
	var j fixedOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BorrowAtMaturity: %w", err)
	}
	opID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	maxAssets, err := parseOptAmount("max_assets", j.MaxAssets)
	if err != nil {
		return nil, err
	}
	if maxAssets.IsZero() {
		// No ceiling given — accept any fee
		maxAssets = new(uint256.Int).SetAllOne()
	}
	return &event.BorrowAtMaturity{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Maturity:  j.Maturity,
		Assets:    assets,
		MaxAssets: maxAssets,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRepayAtMaturity(data []byte) (*event.RepayAtMaturity, error) {
	var j fixedOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RepayAtMaturity: %w", err)
	}
	opID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	maxAssets, err := parseOptAmount("max_assets", j.MaxAssets)
	if err != nil {
		return nil, err
	}
	if maxAssets.IsZero() {
		maxAssets = new(uint256.Int).SetAllOne()
	}
	return &event.RepayAtMaturity{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Maturity:  j.Maturity,
		Assets:    assets,
		MaxAssets: maxAssets,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type floatingOpJSON struct {
	OpID        string `json:"op_id"`
	Account     string `json:"account"`
	Market      string `json:"market"`
	Assets      string `json:"assets,omitempty"`
	Shares      string `json:"shares,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositFloating(data []byte) (*event.DepositFloating, error) {
	var j floatingOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositFloating: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	return &event.DepositFloating{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Assets:    assets,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawFloating(data []byte) (*event.WithdrawFloating, error) {
	var j floatingOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawFloating: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	shares, err := parseAmount("shares", j.Shares)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawFloating{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Shares:    shares,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseCashDeposit(data []byte) (*event.CashDeposit, error) {
	var j floatingOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CashDeposit: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	return &event.CashDeposit{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Assets:    assets,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseCashWithdraw(data []byte) (*event.CashWithdraw, error) {
	var j floatingOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CashWithdraw: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	return &event.CashWithdraw{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Assets:    assets,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type collateralOpJSON struct {
	OpID        string `json:"op_id"`
	Account     string `json:"account"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseEnterMarket(data []byte) (*event.EnterMarket, error) {
	var j collateralOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EnterMarket: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &event.EnterMarket{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseExitMarket(data []byte) (*event.ExitMarket, error) {
	var j collateralOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExitMarket: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	account, err := uuid.Parse(j.Account)
	if err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &event.ExitMarket{
		OpID:      opID,
		Account:   account,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidateJSON struct {
	OpID        string `json:"op_id"`
	Liquidator  string `json:"liquidator"`
	Borrower    string `json:"borrower"`
	RepayMarket string `json:"repay_market"`
	SeizeMarket string `json:"seize_market"`
	MaxAssets   string `json:"max_assets"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	liquidator, err := uuid.Parse(j.Liquidator)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator: %w", err)
	}
	borrower, err := uuid.Parse(j.Borrower)
	if err != nil {
		return nil, fmt.Errorf("parse borrower: %w", err)
	}
	maxAssets, err := parseAmount("max_assets", j.MaxAssets)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{
		OpID:        opID,
		Liquidator:  liquidator,
		Borrower:    borrower,
		RepayMarket: j.RepayMarket,
		SeizeMarket: j.SeizeMarket,
		MaxAssets:   maxAssets,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceUpdateJSON struct {
	Market        string `json:"market"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	return &event.PriceUpdate{
		Market:        j.Market,
		Price:         price,
		PriceSequence: j.PriceSequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type riskParamUpdateJSON struct {
	OpID         string `json:"op_id"`
	Market       string `json:"market"`
	AdjustFactor string `json:"adjust_factor,omitempty"`
	BorrowCap    string `json:"borrow_cap,omitempty"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	out := &event.RiskParamUpdate{
		OpID:      opID,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}
	if j.AdjustFactor != "" {
		if out.AdjustFactor, err = parseAmount("adjust_factor", j.AdjustFactor); err != nil {
			return nil, err
		}
	}
	if j.BorrowCap != "" {
		if out.BorrowCap, err = parseAmount("borrow_cap", j.BorrowCap); err != nil {
			return nil, err
		}
	}
	return out, nil
}
