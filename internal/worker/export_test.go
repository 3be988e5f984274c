package worker

import (
	"time"

	"github.com/orgplay/backend/pkg/utils"
)

// SetAddressPolicy replaces the outbound address check so tests can reach httptest servers.
func SetAddressPolicy(p *CoverImportProcessor, allow utils.AllowIP) {
	p.allow = allow
	p.client = utils.NewFetchClient(time.Second, allow)
}
