package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Loader routing/state.
	ErrLoaderBusy    = "E_LOADER_BUSY"
	ErrLoaderStopped = "E_LOADER_STOPPED"

	// Viewer op layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrOutOfRange = "E_OUT_OF_RANGE"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrLoaderBusy:      {},
	ErrLoaderStopped:   {},
	ErrBadRequest:      {},
	ErrOutOfRange:      {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
