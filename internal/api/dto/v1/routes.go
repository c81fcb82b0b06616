package v1

import (
	"reflect"
	"strings"
)

// Route describes a single API endpoint for client code generation.
type Route struct {
	Name    string       // function name, e.g. "listClusters"
	Method  string       // "GET" or "POST"
	Path    string       // "/api/v1/clusters/{id}/events"
	Req     reflect.Type // request body type; nil for no body
	Resp    reflect.Type // response body type
	IsArray bool         // response is T[] not T
	IsSSE   bool         // SSE stream, not JSON
}

// ReqName returns the request type name, or "" if Req is nil.
func (r *Route) ReqName() string {
	if r.Req == nil {
		return ""
	}
	return r.Req.Name()
}

// RespName returns the response type name.
func (r *Route) RespName() string {
	return r.Resp.Name()
}

// CategoryName returns the doc section derived from the first path segment
// after "/api/v1/", with the first letter uppercased.
func (r *Route) CategoryName() string {
	p := strings.TrimPrefix(r.Path, "/api/v1/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "Other"
	}
	return strings.ToUpper(p[:1]) + p[1:]
}

// Routes lists the typed endpoints the server registers. The registry change
// stream (GET /api/v1/clusters/events) is served but has no entry here.
var Routes = []Route{
	{Name: "listClusters", Method: "GET", Path: "/api/v1/clusters", Resp: reflect.TypeOf((*ClusterSummary)(nil)).Elem(), IsArray: true},
	{Name: "getCluster", Method: "GET", Path: "/api/v1/clusters/{id}", Resp: reflect.TypeOf((*ClusterSummary)(nil)).Elem()},
	{Name: "clusterEvents", Method: "GET", Path: "/api/v1/clusters/{id}/events", Resp: reflect.TypeOf((*EventMessage)(nil)).Elem(), IsSSE: true},
	{Name: "allEvents", Method: "GET", Path: "/api/v1/events", Resp: reflect.TypeOf((*EventMessage)(nil)).Elem(), IsSSE: true},
	{Name: "getUsage", Method: "GET", Path: "/api/v1/clusters/{id}/usage", Resp: reflect.TypeOf((*UsageResp)(nil)).Elem()},
	{Name: "stopCluster", Method: "POST", Path: "/api/v1/clusters/{id}/stop", Resp: reflect.TypeOf((*StatusResp)(nil)).Elem()},
	{Name: "killCluster", Method: "POST", Path: "/api/v1/clusters/{id}/kill", Resp: reflect.TypeOf((*StatusResp)(nil)).Elem()},
	{Name: "resumeCluster", Method: "POST", Path: "/api/v1/clusters/{id}/resume", Resp: reflect.TypeOf((*StatusResp)(nil)).Elem()},
	{Name: "publishOperations", Method: "POST", Path: "/api/v1/clusters/{id}/operations", Req: reflect.TypeOf((*OperationsReq)(nil)).Elem(), Resp: reflect.TypeOf((*StatusResp)(nil)).Elem()},
}
