package browser

import (
	"embed"
	"fmt"
	"strings"
	"sync"
)

// Each script is a function expression taking one argument object.
//
//go:embed scripts/*.js
var scriptFS embed.FS

var (
	scriptCache   = map[string]string{}
	scriptCacheMu sync.Mutex
)

// script returns the source of scripts/<name>.js.
func script(name string) (string, error) {
	scriptCacheMu.Lock()
	defer scriptCacheMu.Unlock()

	if src, ok := scriptCache[name]; ok {
		return src, nil
	}
	data, err := scriptFS.ReadFile("scripts/" + name + ".js")
	if err != nil {
		return "", fmt.Errorf("loading page script %q: %w", name, err)
	}
	src := strings.TrimSpace(string(data))
	scriptCache[name] = src
	return src, nil
}

// expression builds "(<script>)(<args>)". A nil args passes an empty object.
func expression(name string, args interface{}) (string, error) {
	src, err := script(name)
	if err != nil {
		return "", err
	}
	if args == nil {
		args = struct{}{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding arguments for %q: %w", name, err)
	}
	return "(" + src + ")(" + string(encoded) + ")", nil
}
