package log

type LoggerConfig struct {
	Level   string          `mapstructure:"level" yaml:"level"`
	Format  string          `mapstructure:"format" yaml:"format"` // pattern | prefixed
	Pattern string          `mapstructure:"pattern" yaml:"pattern"`
	Time    string          `mapstructure:"time" yaml:"time"`
	Console string          `mapstructure:"console" yaml:"console"` // stderr | stdout
	File    FileAppenderOpt `mapstructure:"file" yaml:"file"`
}
