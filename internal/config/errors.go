package config

import "errors"

var ErrMissingDatabaseURL = errors.New("DATABASE_URL must be set")
