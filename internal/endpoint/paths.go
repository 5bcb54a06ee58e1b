package endpoint

import "strings"

// pathSpec describes one candidate endpoint shape before a protocol and
// host are applied.
type pathSpec struct {
	path      string
	params    map[string]string
	auth      string
	sslVerify bool
}

// basePaths is tried for every device regardless of model.
var basePaths = []pathSpec{
	{
		path: "/rtsp-over-websocket",
		params: map[string]string{
			"video":      "h264",
			"audio":      "0",
			"resolution": "1920x1080",
			"fps":        "30",
		},
		auth: "digest",
	},
	{path: "/ws", params: map[string]string{}, auth: "basic"},
	{path: "/websocket", params: map[string]string{}, auth: "basic"},
	{path: "/axis-cgi/websocket", params: map[string]string{}, auth: "digest"},
}

// modelPaths maps a model-number prefix to extra paths known to exist on
// that family's firmware.
var modelPaths = map[string][]pathSpec{
	"M30": {{path: "/axis-media/media.amp/websocket", params: map[string]string{"video": "1"}, auth: "digest"}},
	"M31": {{path: "/axis-media/media.amp/websocket", params: map[string]string{"video": "1"}, auth: "digest"}},
	"P32": {{path: "/ptz/websocket", params: map[string]string{}, auth: "digest"}},
	"P33": {{path: "/ptz/websocket", params: map[string]string{}, auth: "digest"}},
	"Q16": {{path: "/thermal/websocket", params: map[string]string{}, auth: "digest"}},
}

// candidatePaths returns the base set plus any family-specific paths for
// the given model string.
func candidatePaths(model string) []pathSpec {
	specs := make([]pathSpec, len(basePaths))
	copy(specs, basePaths)

	upper := strings.ToUpper(model)
	for prefix, extra := range modelPaths {
		if strings.HasPrefix(upper, prefix) {
			specs = append(specs, extra...)
		}
	}
	return specs
}
