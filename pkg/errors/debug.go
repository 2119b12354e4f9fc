package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stripe/stripe-go/v82"
)

// ErrorDump is an error chain flattened for logging. Postgres fields come
// from either pgx or lib/pq errors; gateway fields from stripe errors.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Chain      []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`

	GatewayStatus    int    `json:"gateway_status,omitempty"`
	GatewayType      string `json:"gateway_type,omitempty"`
	GatewayCode      string `json:"gateway_code,omitempty"`
	GatewayRequestID string `json:"gateway_request_id,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{TopMessage: err.Error()}
	if typed := As(err); typed != nil {
		d.Code = typed.code
	}
	for layer := err; layer != nil; layer = errors.Unwrap(layer) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", layer, layer))
	}

	var (
		pgxErr    *pgconn.PgError
		pqErr     *pq.Error
		stripeErr *stripe.Error
	)
	switch {
	case errors.As(err, &pgxErr):
		d.PGCode, d.PGConstraint, d.PGMessage = pgxErr.Code, pgxErr.ConstraintName, pgxErr.Message
		d.PGTable, d.PGColumn, d.PGDetail = pgxErr.TableName, pgxErr.ColumnName, pgxErr.Detail
	case errors.As(err, &pqErr):
		d.PGCode, d.PGConstraint, d.PGMessage = string(pqErr.Code), pqErr.Constraint, pqErr.Message
		d.PGTable, d.PGColumn, d.PGDetail = pqErr.Table, pqErr.Column, pqErr.Detail
	}
	if errors.As(err, &stripeErr) {
		d.GatewayStatus = stripeErr.HTTPStatusCode
		d.GatewayType = string(stripeErr.Type)
		d.GatewayCode = string(stripeErr.Code)
		d.GatewayRequestID = stripeErr.RequestID
	}
	return d
}
