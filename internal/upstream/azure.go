package upstream

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rawblock/inference-gateway/pkg/models"
)

const defaultAzureAPIVersion = "2024-10-21"

// azure routes through deployment-scoped paths with api-key auth and an
// api-version query parameter. The deployment name is the wire model name.
type azure struct {
	compatible
}

func newAzure(up models.Upstream, meta *Metadata) *azure {
	a := &azure{compatible{up: up, meta: meta}}
	a.auth = func(h http.Header) { h.Set("api-key", up.APIKey) }
	a.listQuery = url.Values{"api-version": []string{defaultAzureAPIVersion}}
	return a
}

func (a *azure) Endpoint(inboundPath, model string) (string, url.Values) {
	version := a.up.APIVersion
	if version == "" {
		version = defaultAzureAPIVersion
	}
	query := url.Values{"api-version": []string{version}}
	suffix := strings.TrimPrefix(inboundPath, "/v1")
	return fmt.Sprintf("/openai/deployments/%s%s", url.PathEscape(model), suffix), query
}
