package kadid

import "errors"

var errInvalidRange = errors.New("kadid: invalid id range")
