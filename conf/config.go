package conf

/*
   This package wraps viper for the claims app. Configuration is read from a
   local.env file when one is present (local development); otherwise values
   come straight from the process environment (deployed environments).

   Assumptions:
   1. The configuration file is an env file.
   2. Once loaded, configuration stays immutable for the lifetime of the
   application (the exception is test, via SetEnv/UnsetEnv).
*/

import (
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// An instance of the viper struct holding the parsed env file. Only made
// accessible through GetEnv, LookupEnv, SetEnv, UnsetEnv and Checkout.
var envVars viper.Viper

const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state uint8 = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	// Viper is lazy, force the read and parse now
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}
	return v
}

func init() {
	var locations = []string{
		"shared_files/decrypted",
		".",
	}

	if success, loc := findEnv(locations); success {
		envVars = *setup(loc)
	} else {
		state = noconfigfound
	}
}

func findEnv(locations []string) (bool, string) {
	for _, loc := range locations {
		if _, err := os.Stat(loc + "/local.env"); err == nil {
			return true, loc
		}
	}
	return false, ""
}

// GetEnv retrieves the value stored in conf. If it does not exist an empty
// string is returned.
func GetEnv(key string) string {
	if state == configgood {
		var value = envVars.GetString(key)
		if value == "" {
			value = os.Getenv(key)
		}
		return value
	}
	return os.Getenv(key)
}

// LookupEnv augments os.LookupEnv to look in the viper struct first.
func LookupEnv(key string) (string, bool) {
	if state == configgood {
		if value := envVars.Get(key); value != nil && value != "" {
			return value.(string), true
		}
	}
	return os.LookupEnv(key)
}

// SetEnv adds a key value into conf. This function should only be used in
// this package itself or in testing. The protect parameter is *testing.T to
// ensure developers knowingly use it in the appropriate scope.
func SetEnv(protect *testing.T, key string, value string) error {
	var err error
	if state == configgood {
		envVars.Set(key, value)
	} else {
		err = os.Setenv(key, value)
	}
	return err
}

// UnsetEnv "unsets" a variable. Like SetEnv it should only be used in testing.
func UnsetEnv(protect *testing.T, key string) error {
	if state == configgood {
		envVars.Set(key, "")
	}
	return os.Unsetenv(key)
}

// Checkout populates a struct from configuration using `conf` tags. Field
// tags name the env key; `conf_default` supplies the value used when the key
// is unset. Nested structs tagged `conf:",squash"` are flattened.
//
//	type Config struct {
//	    Workers int `conf:"PARSER_WORKER_COUNT" conf_default:"4"`
//	}
func Checkout(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return errInvalidCheckout
	}

	values := make(map[string]interface{})
	collect(rv.Elem().Type(), values)

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		TagName:          "conf",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(values)
}

func collect(t reflect.Type, values map[string]interface{}) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("conf")
		if tag == "" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if name == "" && field.Type.Kind() == reflect.Struct {
			// conf:",squash"
			collect(field.Type, values)
			continue
		}

		value := GetEnv(name)
		if value == "" {
			value = field.Tag.Get("conf_default")
		}
		if value != "" {
			values[name] = value
		}
	}
}

var errInvalidCheckout = checkoutError("conf: Checkout requires a pointer to a struct")

type checkoutError string

func (e checkoutError) Error() string { return string(e) }
