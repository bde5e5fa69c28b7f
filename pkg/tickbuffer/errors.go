package tickbuffer

import "errors"

var errUnknownKind = errors.New("tickbuffer: unregistered command kind")
