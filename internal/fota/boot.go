package fota

// BootOutcome classifies the current boot for the initial update report.
type BootOutcome int

const (
	Normal      BootOutcome = iota // No update or rollback preceded this boot
	FreshUpdate                    // Running a freshly swapped-in image
	Rollback                       // The bootloader reverted a swap
)

func (o BootOutcome) String() string {
	switch o {
	case FreshUpdate:
		return "fresh-update"
	case Rollback:
		return "rollback"
	default:
		return "normal"
	}
}

// InitialState derives the boot outcome. It must be queried once at startup,
// before any session is opened.
func InitialState(b BootStatus) BootOutcome {
	if b.BootedAfterUpdate() {
		return FreshUpdate
	}
	if b.BootedAfterRollback() {
		return Rollback
	}
	return Normal
}
