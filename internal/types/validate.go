package types

import (
	"github.com/go-playground/validator/v10"
)

// validate is the shared struct validator. Tags only cover shape; the
// Validate methods add cross-field invariants tags cannot express.
var validate = validator.New(validator.WithRequiredStructEnabled())
