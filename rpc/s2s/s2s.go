package s2s

// Payloads exchanged with the remote cluster's REST api. Every field the
// peer may omit is a pointer so decoders can tell absent from zero.

// ControllerEntity is returned by GET {api}/site-to-site.
type ControllerEntity struct {
	Controller *Controller `json:"controller"`
}

type Controller struct {
	ID                          string `json:"id"`
	Name                        string `json:"name"`
	RemoteSiteListeningPort     *int   `json:"remoteSiteListeningPort"`
	RemoteSiteHTTPListeningPort *int   `json:"remoteSiteHttpListeningPort"`
	SiteToSiteSecure            *bool  `json:"siteToSiteSecure"`
	InputPorts                  []Port `json:"inputPorts"`
	OutputPorts                 []Port `json:"outputPorts"`
}

type Port struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PeersEntity is returned by GET {api}/site-to-site/peers.
type PeersEntity struct {
	Peers []PeerDTO `json:"peers"`
}

type PeerDTO struct {
	Hostname      *string `json:"hostname"`
	Port          *int    `json:"port"`
	Secure        *bool   `json:"secure"`
	FlowFileCount *int64  `json:"flowFileCount"`
}

// TransactionResult is returned when a transaction is extended, committed or
// cancelled over http.
type TransactionResult struct {
	FlowFileSent *int    `json:"flowFileSent"`
	ResponseCode *int    `json:"responseCode"`
	Message      *string `json:"message"`
}
