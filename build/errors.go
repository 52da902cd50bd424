package build

import (
	"errors"
	"strings"
)

// ComposeErrors will take two errors and compose them into a single error
// with a longer message. Any nil errors used as inputs will be stripped out,
// and if there are zero non-nil inputs then 'nil' will be returned.
func ComposeErrors(errs ...error) error {
	var strs []string
	for _, err := range errs {
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	if len(strs) > 0 {
		return errors.New(strings.Join(strs, "; "))
	}
	return nil
}

// ExtendErr will return a new error which extends the input error with a
// string. If the input error is nil, then 'nil' will be returned, discarding
// the input string.
func ExtendErr(s string, err error) error {
	if err == nil {
		return nil
	}
	return errors.New(s + ": " + err.Error())
}

// JoinErrors concatenates the elements of errs to create a single error. The
// separator string sep is placed between elements in the resulting error. Nil
// errors are skipped. If errs is empty or only contains nil elements,
// JoinErrors returns nil.
func JoinErrors(errs []error, sep string) error {
	var strs []string
	for _, err := range errs {
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	if len(strs) > 0 {
		return errors.New(strings.Join(strs, sep))
	}
	return nil
}
