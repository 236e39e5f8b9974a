package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sofr-tracker/internal/model"
)

const rrpSearchPath = "/api/rp/reverserepo/all/results/search.json"

// RepoOperation is one upstream operation in raw currency units, before
// per-date aggregation.
type RepoOperation struct {
	Date          string
	TotalAccepted decimal.NullDecimal
	// Breakdown is nil when the payload carried no counterparty breakdown.
	Breakdown []Participant
}

// Participant is one counterparty-type subtotal of an operation.
type Participant struct {
	Type     string
	Accepted decimal.NullDecimal
}

// RepoDecoder turns a raw repo operations payload into operations. Upstream
// schema changes are absorbed here and nowhere else.
type RepoDecoder interface {
	DecodeRepoOperations(payload []byte) ([]RepoOperation, error)
}

// RepoSchema lists the field names a ProbingRepoDecoder tries, in order.
type RepoSchema struct {
	RootKeys      []string
	ListKeys      []string
	DateKeys      []string
	TotalKeys     []string
	BreakdownKeys []string
	TypeKeys      []string
	AmountKeys    []string
}

// KnownRepoSchema covers the payload revisions seen so far.
var KnownRepoSchema = RepoSchema{
	RootKeys:      []string{"repo", "repoOperations"},
	ListKeys:      []string{"operations", "results"},
	DateKeys:      []string{"operationDate", "date"},
	TotalKeys:     []string{"totalAmtAccepted", "totalAcceptedAmount"},
	BreakdownKeys: []string{"submittedParticipantsByType", "counterpartyBreakdown", "participants"},
	TypeKeys:      []string{"participantType", "counterpartyType"},
	AmountKeys:    []string{"totalAmtAccepted", "amtAccepted"},
}

// ProbingRepoDecoder locates fields by presence rather than by a fixed shape.
type ProbingRepoDecoder struct {
	Schema RepoSchema
	logger zerolog.Logger
}

// NewProbingRepoDecoder builds a decoder over schema.
func NewProbingRepoDecoder(schema RepoSchema, logger zerolog.Logger) *ProbingRepoDecoder {
	return &ProbingRepoDecoder{Schema: schema, logger: logger.With().Str("component", "rrp_decoder").Logger()}
}

// DecodeRepoOperations implements RepoDecoder.
func (d *ProbingRepoDecoder) DecodeRepoOperations(payload []byte) ([]RepoOperation, error) {
	var root record
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("decode rrp payload: %w", err)
	}

	_, rawContainer, ok := root.first(d.Schema.RootKeys...)
	if !ok {
		d.logger.Warn().Msg("rrp payload has no operations container")
		return nil, nil
	}
	var container record
	if err := json.Unmarshal(rawContainer, &container); err != nil {
		return nil, fmt.Errorf("decode rrp container: %w", err)
	}

	_, rawList, ok := container.first(d.Schema.ListKeys...)
	if !ok {
		d.logger.Warn().Msg("rrp payload has no operations list")
		return nil, nil
	}
	var items []record
	if err := json.Unmarshal(rawList, &items); err != nil {
		return nil, fmt.Errorf("decode rrp operations: %w", err)
	}

	ops := make([]RepoOperation, 0, len(items))
	for _, item := range items {
		op, ok := d.decodeOperation(item)
		if ok {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (d *ProbingRepoDecoder) decodeOperation(item record) (RepoOperation, bool) {
	date := item.str(d.Schema.DateKeys...)
	if _, err := model.ParseDate(date); err != nil {
		d.anomaly(date, "operationDate", date)
		return RepoOperation{}, false
	}

	op := RepoOperation{Date: date, TotalAccepted: d.value(item, date, d.Schema.TotalKeys...)}

	key, rawBreakdown, ok := item.first(d.Schema.BreakdownKeys...)
	if !ok {
		return op, true
	}
	var entries []record
	if err := json.Unmarshal(rawBreakdown, &entries); err != nil {
		d.anomaly(date, key, string(rawBreakdown))
		return op, true
	}
	op.Breakdown = make([]Participant, 0, len(entries))
	for _, entry := range entries {
		op.Breakdown = append(op.Breakdown, Participant{
			Type:     entry.str(d.Schema.TypeKeys...),
			Accepted: d.value(entry, date, d.Schema.AmountKeys...),
		})
	}
	return op, true
}

func (d *ProbingRepoDecoder) value(rec record, date string, keys ...string) decimal.NullDecimal {
	key, raw, ok := rec.first(keys...)
	if !ok {
		return decimal.NullDecimal{}
	}
	v, parsed := parseJSONValue(raw)
	if !parsed {
		d.anomaly(date, key, string(raw))
	}
	return v
}

func (d *ProbingRepoDecoder) anomaly(date, field, raw string) {
	logAnomaly(d.logger, date, field, raw)
}

// RepoOptions parameterise the repo operations adapter.
type RepoOptions struct {
	HTTPOptions
	// Decoder overrides the default probing decoder.
	Decoder RepoDecoder
}

// RepoOperations reads reverse repo results from the NY Fed Markets API.
type RepoOperations struct {
	http    httpSource
	decoder RepoDecoder
}

// NewRepoOperations constructs the repo operations adapter.
func NewRepoOperations(opts RepoOptions, logger zerolog.Logger) *RepoOperations {
	decoder := opts.Decoder
	if decoder == nil {
		decoder = NewProbingRepoDecoder(KnownRepoSchema, logger)
	}
	return &RepoOperations{
		http:    newHTTPSource("nyfed_rrp", defaultNYFedBaseURL, opts.HTTPOptions, logger),
		decoder: decoder,
	}
}

// FetchRepoOperations returns one row per operation date in window.
func (r *RepoOperations) FetchRepoOperations(ctx context.Context, window model.Window) ([]model.RepoOperationRow, error) {
	query := url.Values{}
	query.Set("startDate", window.Start)
	query.Set("endDate", window.End)

	payload, err := r.http.get(ctx, rrpSearchPath, query, "application/json")
	if err != nil {
		return nil, err
	}

	ops, err := r.decoder.DecodeRepoOperations(payload)
	if err != nil {
		return nil, err
	}
	return AggregateRepoOperations(ops), nil
}

// AggregateRepoOperations folds operations into one row per date, converting
// amounts to billions. Several operations on one date are summed.
func AggregateRepoOperations(ops []RepoOperation) []model.RepoOperationRow {
	byDate := make(map[string]*model.RepoOperationRow)
	for _, op := range ops {
		row := normalizeOperation(op)
		existing, ok := byDate[op.Date]
		if !ok {
			byDate[op.Date] = &row
			continue
		}
		existing.TotalAcceptedBillions = addNull(existing.TotalAcceptedBillions, row.TotalAcceptedBillions)
		existing.MMFAcceptedBillions = addNull(existing.MMFAcceptedBillions, row.MMFAcceptedBillions)
		existing.GSEAcceptedBillions = addNull(existing.GSEAcceptedBillions, row.GSEAcceptedBillions)
		existing.ParticipatingCounterparties = addNullInt(existing.ParticipatingCounterparties, row.ParticipatingCounterparties)
	}

	rows := make([]model.RepoOperationRow, 0, len(byDate))
	for _, row := range byDate {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	return rows
}

func normalizeOperation(op RepoOperation) model.RepoOperationRow {
	row := model.RepoOperationRow{
		Date:                  op.Date,
		TotalAcceptedBillions: toBillions(op.TotalAccepted),
	}
	if op.Breakdown == nil {
		return row
	}

	var positive int64
	for _, p := range op.Breakdown {
		if p.Accepted.Valid && p.Accepted.Decimal.IsPositive() {
			positive++
		}
		switch classifyParticipant(p.Type) {
		case participantMMF:
			row.MMFAcceptedBillions = addNull(row.MMFAcceptedBillions, toBillions(p.Accepted))
		case participantGSE:
			row.GSEAcceptedBillions = addNull(row.GSEAcceptedBillions, toBillions(p.Accepted))
		}
	}
	row.ParticipatingCounterparties = null.IntFrom(positive)
	return row
}

type participantClass int

const (
	participantOther participantClass = iota
	participantMMF
	participantGSE
)

func classifyParticipant(t string) participantClass {
	key := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, t)
	switch key {
	case "moneymarketfund", "moneymarketfunds", "mmf", "mmfs":
		return participantMMF
	case "gse", "gses", "governmentsponsoredenterprise", "governmentsponsoredenterprises":
		return participantGSE
	default:
		return participantOther
	}
}

func addNull(a, b decimal.NullDecimal) decimal.NullDecimal {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	default:
		return decimal.NewNullDecimal(a.Decimal.Add(b.Decimal))
	}
}

func addNullInt(a, b null.Int) null.Int {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	default:
		return null.IntFrom(a.Int64 + b.Int64)
	}
}

var (
	_ RepoOperationFetcher = (*RepoOperations)(nil)
	_ RepoDecoder          = (*ProbingRepoDecoder)(nil)
)
