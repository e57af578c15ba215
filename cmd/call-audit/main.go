package main

import (
	"errors"
	"fmt"
	"os"
)

const (
	ExitSuccess     = 0
	ExitBatchFailed = 1 // the batch ran but ended failed or interrupted
	ExitError       = 2
)

// BatchFailureError reports a batch that ran to an unsuccessful end.
type BatchFailureError struct {
	BatchID string
	Status  string
}

func (e *BatchFailureError) Error() string {
	return fmt.Sprintf("batch %s finished with status %s", e.BatchID, e.Status)
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var bf *BatchFailureError
	if errors.As(err, &bf) {
		return ExitBatchFailed
	}
	return ExitError
}
