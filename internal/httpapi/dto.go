package httpapi

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"sofr-tracker/internal/model"
	"sofr-tracker/internal/storage"
)

// Numbers are emitted unquoted so chart clients can plot them directly.
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func nullNumber(d decimal.NullDecimal) *json.Number {
	if !d.Valid {
		return nil
	}
	n := number(d.Decimal)
	return &n
}

type sofrRate struct {
	Date           string       `json:"date"`
	Rate           json.Number  `json:"rate"`
	P1             *json.Number `json:"p1"`
	P25            *json.Number `json:"p25"`
	P75            *json.Number `json:"p75"`
	P99            *json.Number `json:"p99"`
	VolumeBillions *json.Number `json:"volume_billions"`
}

type effrRate struct {
	sofrRate
	TargetLow  *json.Number `json:"target_low"`
	TargetHigh *json.Number `json:"target_high"`
}

type policyRate struct {
	Date string       `json:"date"`
	IORB *json.Number `json:"iorb"`
	SRF  *json.Number `json:"srf"`
	RRP  *json.Number `json:"rrp"`
}

type rrpOperation struct {
	Date                        string       `json:"date"`
	TotalAcceptedBillions       *json.Number `json:"total_accepted_billions"`
	ParticipatingCounterparties *int64       `json:"participating_counterparties"`
	MMFAcceptedBillions         *json.Number `json:"mmf_accepted_billions"`
	GSEAcceptedBillions         *json.Number `json:"gse_accepted_billions"`
}

type datedValue struct {
	Date  string      `json:"date"`
	Value json.Number `json:"value"`
}

type ratesResponse struct {
	SOFR   []sofrRate   `json:"sofr"`
	EFFR   []effrRate   `json:"effr"`
	Policy []policyRate `json:"policy"`
}

type statusCounts struct {
	storage.TableCounts
	EarliestDate *string `json:"earliest_date"`
	LatestDate   *string `json:"latest_date"`
}

type statusResponse struct {
	Metadata map[string]string `json:"metadata"`
	Counts   statusCounts      `json:"counts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toSOFR(o model.RateObservation) sofrRate {
	return sofrRate{
		Date:           o.Date,
		Rate:           number(o.Rate),
		P1:             nullNumber(o.P1),
		P25:            nullNumber(o.P25),
		P75:            nullNumber(o.P75),
		P99:            nullNumber(o.P99),
		VolumeBillions: nullNumber(o.VolumeBillions),
	}
}

func toEFFR(o model.RateObservation) effrRate {
	return effrRate{
		sofrRate:   toSOFR(o),
		TargetLow:  nullNumber(o.TargetLow),
		TargetHigh: nullNumber(o.TargetHigh),
	}
}

func toPolicy(r model.PolicyRateRow) policyRate {
	return policyRate{Date: r.Date, IORB: nullNumber(r.IORB), SRF: nullNumber(r.SRF), RRP: nullNumber(r.RRP)}
}

func toRRP(r model.RepoOperationRow) rrpOperation {
	return rrpOperation{
		Date:                        r.Date,
		TotalAcceptedBillions:       nullNumber(r.TotalAcceptedBillions),
		ParticipatingCounterparties: r.ParticipatingCounterparties.Ptr(),
		MMFAcceptedBillions:         nullNumber(r.MMFAcceptedBillions),
		GSEAcceptedBillions:         nullNumber(r.GSEAcceptedBillions),
	}
}

func toDatedValues(in []storage.DatedValue) []datedValue {
	out := make([]datedValue, 0, len(in))
	for _, v := range in {
		out = append(out, datedValue{Date: v.Date, Value: number(v.Value)})
	}
	return out
}

func mapSlice[T, U any](in []T, f func(T) U) []U {
	out := make([]U, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
