package schema

import "fmt"

const (
	Queued    = "queued"
	Running   = "running"
	Succeeded = "succeeded"
	Failed    = "failed"
)

func CheckValidJobStatus(status string) error {
	if status == Queued || status == Running || status == Succeeded || status == Failed {
		return nil
	}
	return fmt.Errorf("invalid job status '%v'", status)
}

func JobStatusTerminal(status string) bool {
	return status == Succeeded || status == Failed
}
