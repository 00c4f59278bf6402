package db

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrTxExhausted is returned once every transaction attempt has failed
	// with a serialization conflict.
	ErrTxExhausted = errors.New("tried to execute transaction too many times, giving up")

	// ErrRLSViolation tags row-level security failures so the request layer
	// can map them to 401/403.
	ErrRLSViolation = errors.New("row-level security violation")

	// ErrBrokenConn tags transport-level connection failures that survived
	// the one-shot pool reset.
	ErrBrokenConn = errors.New("broken database connection")
)

// Serialization failures and deadlocks are retried; Postgres reports them as
// SQLSTATE 40001 and 40P01.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return true
	}
	return strings.Contains(err.Error(), "could not serialize access due to concurrent update")
}

func isRLSViolation(err error) bool {
	if errors.Is(err, ErrRLSViolation) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42501" {
		return true
	}
	return strings.Contains(err.Error(), "violates row-level security policy")
}

func isBrokenConn(err error) bool {
	if errors.Is(err, ErrBrokenConn) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset")
}
