package config

// Backend is where persisted settings live on a given platform: macOS
// keeps them in UserDefaults under the shelf domain, everything else in
// a JSON file under the XDG config directory. Lookups distinguish "not
// set" (ok=false) from an empty value so defaults and SHELF_* env
// overrides can layer on top.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
