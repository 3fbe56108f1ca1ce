package gateway

import "errors"

// ErrMalformedBody reports a request body that does not parse as a JSON
// array of webhook events. The handler maps it to 400.
var ErrMalformedBody = errors.New("malformed webhook body")
