package tls

import "errors"

var (
	errInvalidModule     = errors.New("tls: module id has no live descriptor (unloaded or never allocated)")
	errOffsetOutOfRange  = errors.New("tls: offset exceeds module TLS image size")
)
