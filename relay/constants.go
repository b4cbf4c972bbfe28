package relay

// Message classes. A target receives a message when its mask holds the
// message's flag.
const (
	FlagPosition = 1
	FlagWarning  = 2
	FlagSummary  = 4

	FlagAll = FlagPosition | FlagWarning | FlagSummary
)
