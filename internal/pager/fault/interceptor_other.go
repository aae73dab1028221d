//go:build !linux

package fault

import (
	"go.uber.org/zap"

	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
)

// New reports FaultFacilityUnavailable on any platform other than Linux;
// userfaultfd(2) has no equivalent wired up here (spec §7: a node should
// fail fast at startup rather than silently run without fault service).
func New(region Region, logger *zap.Logger) (Interceptor, error) {
	return nil, pagererr.New(pagererr.FaultFacilityUnavailable, "userfaultfd is only available on linux")
}
