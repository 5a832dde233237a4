package collector

// Consent is the permission captured when a session starts. It is read once and never polled
// again; to stop capture after revocation the owner calls Pause.
type Consent struct {
	granted bool
}

// CaptureConsent records the consent state at session start.
func CaptureConsent(granted bool) Consent { return Consent{granted: granted} }

// Granted reports whether capture was permitted.
func (c Consent) Granted() bool { return c.granted }
