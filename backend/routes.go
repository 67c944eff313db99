package backend

import (
	"github.com/gorilla/mux"
)

type APIRoutes struct {
	Servers      string
	ServerPoll   string
	ServerVote   string
	ServerWipe   string
	ServerForce  string
	ServerStatus string
	History      string
	Events       string
	Token        string
	Metrics      string
}

var apiRoute APIRoutes

// LoadAPIRoutes sets the paths for every api endpoint and returns a router
// with the handlers attached.
func (b *Backend) LoadAPIRoutes() *mux.Router {
	apiRoute.Servers = "/api/v1/servers"
	apiRoute.ServerPoll = "/api/v1/servers/{name}/poll"
	apiRoute.ServerVote = "/api/v1/servers/{name}/vote"
	apiRoute.ServerWipe = "/api/v1/servers/{name}/wipe"
	apiRoute.ServerForce = "/api/v1/servers/{name}/force"
	apiRoute.ServerStatus = "/api/v1/servers/{name}/status"
	apiRoute.History = "/api/v1/history"
	apiRoute.Events = "/api/v1/events"
	apiRoute.Token = "/api/v1/token"
	apiRoute.Metrics = "/metrics"

	r := mux.NewRouter()
	r.HandleFunc(apiRoute.Servers, b.APIServersHandler).Methods("GET")
	r.HandleFunc(apiRoute.ServerPoll, b.APIPollHandler).Methods("GET")
	r.HandleFunc(apiRoute.ServerVote, b.APIVoteHandler).Methods("POST")
	r.HandleFunc(apiRoute.ServerWipe, b.APISetWipeHandler).Methods("POST")
	r.HandleFunc(apiRoute.ServerForce, b.APIForceHandler).Methods("POST")
	r.HandleFunc(apiRoute.ServerStatus, b.APIStatusHandler).Methods("GET")
	r.HandleFunc(apiRoute.History, b.APIHistoryHandler).Methods("GET")
	r.HandleFunc(apiRoute.Events, b.APIEventsHandler)
	r.HandleFunc(apiRoute.Token, b.APITokenHandler).Methods("POST")
	r.Handle(apiRoute.Metrics, b.metrics.Handler()).Methods("GET")
	return r
}
