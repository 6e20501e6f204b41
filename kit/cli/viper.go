package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Opt is a single command-line option
type Opt struct {
	DestP interface{} // pointer to the destination

	EnvVar     string
	Flag       string
	Short      rune // using rune b/c it guarantees correctness. a short must always be a string of length 1
	Hidden     bool
	Persistent bool
	Default    interface{}
	Desc       string
}

// Program parses CLI options
type Program struct {
	// Run is invoked by cobra on execute.
	Run func() error
	// Name is the name of the program in help usage and the env var prefix.
	Name string
	// Opts are the command line/env var options to the program
	Opts []Opt
}

// NewCommand creates a new cobra command to be executed that respects env vars
// and an optional config file.
//
// Uses the upper-case version of the program's name as a prefix
// to all environment variables.
func NewCommand(v *viper.Viper, p *Program) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:  p.Name,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return p.Run()
		},
	}

	if err := InitViper(v, p.Name); err != nil {
		return nil, err
	}
	if err := BindOptions(v, cmd, p.Opts); err != nil {
		return nil, err
	}
	return cmd, nil
}

// InitViper points v at the environment variables prefixed by the upper-case
// name and, when one exists, at the config file named by <NAME>_CONFIG_PATH
// or "config.toml" in the working directory.
func InitViper(v *viper.Viper, name string) error {
	prefix := strings.ToUpper(name)
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	configPath := os.Getenv(prefix + "_CONFIG_PATH")
	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		configPath = filepath.Join(wd, "config.toml")
		if _, err := os.Stat(configPath); err != nil {
			return nil
		}
	}

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", configPath, err)
	}
	return nil
}

// BindOptions adds opts to the specified command and automatically
// registers those options with viper.
func BindOptions(v *viper.Viper, cmd *cobra.Command, opts []Opt) error {
	for _, o := range opts {
		flagset := cmd.Flags()
		if o.Persistent {
			flagset = cmd.PersistentFlags()
		}
		envVal := lookupEnv(v, &o)
		hasShort := o.Short != 0

		switch destP := o.DestP.(type) {
		case *string:
			var d string
			if o.Default != nil {
				d = o.Default.(string)
			}
			if hasShort {
				flagset.StringVarP(destP, o.Flag, string(o.Short), d, o.Desc)
			} else {
				flagset.StringVar(destP, o.Flag, d, o.Desc)
			}
			if err := v.BindPFlag(o.Flag, flagset.Lookup(o.Flag)); err != nil {
				return err
			}
			if envVal != nil {
				*destP = v.GetString(o.Flag)
			}
		case *int:
			var d int
			if o.Default != nil {
				d = o.Default.(int)
			}
			if hasShort {
				flagset.IntVarP(destP, o.Flag, string(o.Short), d, o.Desc)
			} else {
				flagset.IntVar(destP, o.Flag, d, o.Desc)
			}
			if err := v.BindPFlag(o.Flag, flagset.Lookup(o.Flag)); err != nil {
				return err
			}
			if envVal != nil {
				*destP = v.GetInt(o.Flag)
			}
		case *int64:
			var d int64
			if o.Default != nil {
				// N.B. since our CLI kit types default values as interface{} and
				// literal numbers get typed as int by default, it's very easy to
				// create an int64 CLI flag with an int default value.
				switch dflt := o.Default.(type) {
				case int64:
					d = dflt
				case int:
					d = int64(dflt)
				}
			}
			if hasShort {
				flagset.Int64VarP(destP, o.Flag, string(o.Short), d, o.Desc)
			} else {
				flagset.Int64Var(destP, o.Flag, d, o.Desc)
			}
			if err := v.BindPFlag(o.Flag, flagset.Lookup(o.Flag)); err != nil {
				return err
			}
			if envVal != nil {
				*destP = v.GetInt64(o.Flag)
			}
		case *bool:
			var d bool
			if o.Default != nil {
				d = o.Default.(bool)
			}
			if hasShort {
				flagset.BoolVarP(destP, o.Flag, string(o.Short), d, o.Desc)
			} else {
				flagset.BoolVar(destP, o.Flag, d, o.Desc)
			}
			if err := v.BindPFlag(o.Flag, flagset.Lookup(o.Flag)); err != nil {
				return err
			}
			if envVal != nil {
				*destP = v.GetBool(o.Flag)
			}
		case *time.Duration:
			var d time.Duration
			if o.Default != nil {
				d = o.Default.(time.Duration)
			}
			if hasShort {
				flagset.DurationVarP(destP, o.Flag, string(o.Short), d, o.Desc)
			} else {
				flagset.DurationVar(destP, o.Flag, d, o.Desc)
			}
			if err := v.BindPFlag(o.Flag, flagset.Lookup(o.Flag)); err != nil {
				return err
			}
			if envVal != nil {
				*destP = v.GetDuration(o.Flag)
			}
		case *[]string:
			var d []string
			if o.Default != nil {
				d = o.Default.([]string)
			}
			if hasShort {
				flagset.StringSliceVarP(destP, o.Flag, string(o.Short), d, o.Desc)
			} else {
				flagset.StringSliceVar(destP, o.Flag, d, o.Desc)
			}
			if err := v.BindPFlag(o.Flag, flagset.Lookup(o.Flag)); err != nil {
				return err
			}
			if envVal != nil {
				*destP = v.GetStringSlice(o.Flag)
			}
		case *zapcore.Level:
			var d zapcore.Level
			if o.Default != nil {
				d = o.Default.(zapcore.Level)
			}
			*destP = d
			flagset.VarP((*levelFlag)(destP), o.Flag, string(o.Short), o.Desc)
			if err := v.BindPFlag(o.Flag, flagset.Lookup(o.Flag)); err != nil {
				return err
			}
			if envVal != nil {
				if err := destP.Set(v.GetString(o.Flag)); err != nil {
					return fmt.Errorf("%s: %w", o.Flag, err)
				}
			}
		case pflag.Value:
			if o.Default != nil {
				if err := destP.Set(fmt.Sprint(o.Default)); err != nil {
					return err
				}
			}
			if hasShort {
				flagset.VarP(destP, o.Flag, string(o.Short), o.Desc)
			} else {
				flagset.Var(destP, o.Flag, o.Desc)
			}
			if err := v.BindPFlag(o.Flag, flagset.Lookup(o.Flag)); err != nil {
				return err
			}
			if envVal != nil {
				if err := destP.Set(v.GetString(o.Flag)); err != nil {
					return fmt.Errorf("%s: %w", o.Flag, err)
				}
			}
		default:
			// if you get this error, sorry about that!
			// anyway, go ahead and make a PR and add another type.
			return fmt.Errorf("unknown destination type %T", o.DestP)
		}

		if o.Hidden {
			if err := flagset.MarkHidden(o.Flag); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookupEnv returns a non-nil value when the option was set through the
// environment or the config file. An explicit EnvVar is bound to the flag key.
func lookupEnv(v *viper.Viper, o *Opt) interface{} {
	if o.EnvVar != "" {
		_ = v.BindEnv(o.Flag, o.EnvVar)
	}
	if !v.IsSet(o.Flag) {
		return nil
	}
	return v.Get(o.Flag)
}

// levelFlag lets a zapcore.Level be set from the command line by name.
type levelFlag zapcore.Level

func (l *levelFlag) String() string { return zapcore.Level(*l).String() }

func (l *levelFlag) Type() string { return "level" }

func (l *levelFlag) Set(s string) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("unrecognized log level %q: want one of debug, info, warn, error", s)
	}
	*l = levelFlag(level)
	return nil
}
