package config

// ConfigBackend is where persisted settings live. macOS keeps them in
// UserDefaults (domain com.kynex.loadforecast); other platforms use a JSON
// file under $XDG_CONFIG_HOME/loadforecast. Secrets never go through it.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
