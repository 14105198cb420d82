package schema

// Launch option keys handed to the spawner. These keys are a stable contract.
const (
	OptionPresentationType = "presentation_type"
	OptionPresentationPath = "presentation_path"
	OptionCommand          = "cmd"
	OptionEnvironment      = "environment"

	// Optional extras contributed by presentation presets.
	OptionPresentationArgs = "presentation_args"
	OptionPresentationEnv  = "presentation_env"

	EnvAnyone = "JUPYTERHUB_ANYONE"
	EnvGroup  = "JUPYTERHUB_GROUP"
)

// LaunchOptions are the options passed to the spawner for a final backend.
type LaunchOptions struct {
	PresentationType PresentationType
	PresentationPath string
	Command          []string
	Environment      map[string]string
	Extra            map[string]any
}

// ToMap flattens the options into the spawner hand-off mapping.
// Contract keys override extras with the same name.
func (o LaunchOptions) ToMap() map[string]any {
	out := make(map[string]any, len(o.Extra)+4)
	for k, v := range o.Extra {
		out[k] = v
	}
	env := make(map[string]any, len(o.Environment))
	for k, v := range o.Environment {
		env[k] = v
	}
	cmd := make([]any, 0, len(o.Command))
	for _, arg := range o.Command {
		cmd = append(cmd, arg)
	}
	out[OptionPresentationType] = string(o.PresentationType)
	out[OptionPresentationPath] = o.PresentationPath
	out[OptionCommand] = cmd
	out[OptionEnvironment] = env
	return out
}

// LaunchOptionsFromMap parses a hand-off mapping back into options.
// Unknown keys are kept in Extra.
func LaunchOptionsFromMap(m map[string]any) LaunchOptions {
	opts := LaunchOptions{Environment: map[string]string{}, Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case OptionPresentationType:
			if s, ok := v.(string); ok {
				opts.PresentationType = PresentationType(s)
			}
		case OptionPresentationPath:
			if s, ok := v.(string); ok {
				opts.PresentationPath = s
			}
		case OptionCommand:
			opts.Command = toStrings(v)
		case OptionEnvironment:
			switch env := v.(type) {
			case map[string]any:
				for ek, ev := range env {
					if s, ok := ev.(string); ok {
						opts.Environment[ek] = s
					}
				}
			case map[string]string:
				for ek, ev := range env {
					opts.Environment[ek] = ev
				}
			}
		default:
			opts.Extra[k] = v
		}
	}
	return opts
}

func toStrings(v any) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
