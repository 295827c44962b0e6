package client

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/rpc"
)

// maxGroupFanout caps the members of one gang.
const maxGroupFanout = 1000

const maxInstanceNameLen = 64

// labelToken matches user-supplied label keys and values.
var labelToken = regexp.MustCompile(`^[a-zA-Z0-9-]{1,63}$`)

func validateLabelToken(s string) error {
	if !labelToken.MatchString(s) {
		return errcode.Newf(errcode.ParameterError, "label token %q must match %s", s, labelToken.String())
	}
	if strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") {
		return errcode.Newf(errcode.ParameterError, "label token %q cannot start or end with '-'", s)
	}
	return nil
}

// isBundleLabel matches the co-location labels CreateFunctionGroup
// synthesizes; they carry underscores and skip user-label validation.
func isBundleLabel(k string) bool {
	i := strings.Index(k, "_bundle_")
	if i <= 0 {
		return false
	}
	_, err := strconv.Atoi(k[i+len("_bundle_"):])
	return err == nil
}

// validateSpec rejects what the server would, before the request
// leaves the process.
func validateSpec(spec *rpc.CreateSpec) error {
	if spec.Function == "" {
		return errcode.New(errcode.ParameterError, "function is required")
	}
	if len(spec.Name) > maxInstanceNameLen {
		return errcode.Newf(errcode.ParameterError, "instance name exceeds %d characters", maxInstanceNameLen)
	}
	if spec.Resources.CPU < 0 || spec.Resources.Memory < 0 {
		return errcode.New(errcode.ParameterError, "negative resource demand")
	}
	for k, v := range spec.Resources.Custom {
		if v < 0 {
			return errcode.Newf(errcode.ParameterError, "negative demand for custom resource %s", k)
		}
	}
	for k, v := range spec.Labels {
		if isBundleLabel(k) {
			continue
		}
		if err := validateLabelToken(k); err != nil {
			return err
		}
		if v == "" {
			continue
		}
		if err := validateLabelToken(v); err != nil {
			return err
		}
	}
	return nil
}
