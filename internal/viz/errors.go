package viz

import "errors"

var errNilPublisher = errors.New("cannot initialize viz server with a nil publisher")
