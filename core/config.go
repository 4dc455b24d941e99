package core

import (
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Address            string
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		BodyLimit          string
	}

	DatabaseConfig struct {
		Engine        string // postgres | sqlite
		Host          string
		Port          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Name          string
		DisableTLS    bool
		Path          string // sqlite only
	}

	RedisConfig struct {
		Addr     string
		Password string
		DB       int
	}

	MongoConfig struct {
		URI      string
		Database string
	}

	SessionConfig struct {
		ActiveDuration        time.Duration
		GraceDuration         time.Duration
		Checkpoints           []time.Duration
		MaxSaveAttempts       int
		RefreshInterval       time.Duration
		LockedRefreshInterval time.Duration
		SweepInterval         time.Duration // 0 disables the sweeper
		SweepConcurrency      int
		SubmitClaimTTL        time.Duration
	}

	ProvidersConfig struct {
		Timeout       time.Duration
		RatePerMinute int
		Burst         int

		OpenAIKey          string
		TranscriptionModel string

		AnthropicKey     string
		GradingModel     string
		GradingMaxTokens int
	}

	Config struct {
		Env              string // DEV (local; default), TEST, QA, PROD
		Debug            bool
		TestMode         bool
		AppName          string
		Build            string
		WorkDir          string
		SecretKey        string
		RollbarToken     string
		SendgridApiKey   string
		DefaultFromEmail mail.Address
		InstructorEmail  *mail.Address
		RubricPath       string
		StoreEngine      string // sql | redis | mongo | memory

		Server    ServerConfig
		Database  DatabaseConfig
		Redis     RedisConfig
		Mongo     MongoConfig
		Session   SessionConfig
		Providers ProvidersConfig
	}
)

func (c DatabaseConfig) Address() string {
	return c.Host + ":" + c.Port
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("appName", "Tathmini")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "x8f2-kq)vnb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("defaultFromEmail", "Tathmini <noreply@localhost>")
	v.SetDefault("instructorEmail", "")
	v.SetDefault("store.engine", "sql")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.bodyLimit", "25M")

	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "tathmini")
	v.SetDefault("database.password", "")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.name", "tathmini")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.path", "tathmini.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "tathmini")

	v.SetDefault("session.activeDuration", time.Hour)
	v.SetDefault("session.graceDuration", time.Minute)
	v.SetDefault("session.checkpoints", []string{"15m", "30m", "50m", "60m"})
	v.SetDefault("session.maxSaveAttempts", 5)
	v.SetDefault("session.refreshInterval", time.Second)
	v.SetDefault("session.lockedRefreshInterval", 30*time.Second)
	v.SetDefault("session.sweepInterval", 5*time.Second)
	v.SetDefault("session.sweepConcurrency", 8)
	v.SetDefault("session.submitClaimTTL", 2*time.Minute)

	v.SetDefault("providers.timeout", 90*time.Second)
	v.SetDefault("providers.ratePerMinute", 60)
	v.SetDefault("providers.burst", 5)
	v.SetDefault("openai.apiKey", "")
	v.SetDefault("openai.transcriptionModel", "whisper-1")
	v.SetDefault("anthropic.apiKey", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.maxTokens", 2048)

	v.SetDefault("assessment.rubricPath", "")
}

// NewConfig reads the configuration from defaults, an optional `config/.env.<env>` file and the environment.
// Environment variables are prefixed with the environment name, e.g. DEV_SESSION_ACTIVEDURATION=30m.
func NewConfig() (*Config, error) {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "getting working directory")
	}

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, errors.Wrapf(err, "loading %s", dotEnvPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "checking %s", dotEnvPath)
	}
	v.AutomaticEnv()

	conf := &Config{
		Env:            env,
		Debug:          v.GetBool("debug"),
		TestMode:       v.GetBool("testMode"),
		AppName:        v.GetString("appName"),
		Build:          v.GetString("build"),
		WorkDir:        wd,
		SecretKey:      v.GetString("secretKey"),
		RollbarToken:   v.GetString("rollbarToken"),
		SendgridApiKey: v.GetString("sendgridApiKey"),
		RubricPath:     v.GetString("assessment.rubricPath"),
		StoreEngine:    v.GetString("store.engine"),
		Server: ServerConfig{
			Address:            v.GetString("server.address"),
			Host:               v.GetString("server.host"),
			DebugHost:          v.GetString("server.debugHost"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
			BodyLimit:          v.GetString("server.bodyLimit"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			Name:          v.GetString("database.name"),
			DisableTLS:    v.GetBool("database.disableTLS"),
			Path:          v.GetString("database.path"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Mongo: MongoConfig{
			URI:      v.GetString("mongo.uri"),
			Database: v.GetString("mongo.database"),
		},
		Session: SessionConfig{
			ActiveDuration:        v.GetDuration("session.activeDuration"),
			GraceDuration:         v.GetDuration("session.graceDuration"),
			MaxSaveAttempts:       v.GetInt("session.maxSaveAttempts"),
			RefreshInterval:       v.GetDuration("session.refreshInterval"),
			LockedRefreshInterval: v.GetDuration("session.lockedRefreshInterval"),
			SweepInterval:         v.GetDuration("session.sweepInterval"),
			SweepConcurrency:      v.GetInt("session.sweepConcurrency"),
			SubmitClaimTTL:        v.GetDuration("session.submitClaimTTL"),
		},
		Providers: ProvidersConfig{
			Timeout:            v.GetDuration("providers.timeout"),
			RatePerMinute:      v.GetInt("providers.ratePerMinute"),
			Burst:              v.GetInt("providers.burst"),
			OpenAIKey:          v.GetString("openai.apiKey"),
			TranscriptionModel: v.GetString("openai.transcriptionModel"),
			AnthropicKey:       v.GetString("anthropic.apiKey"),
			GradingModel:       v.GetString("anthropic.model"),
			GradingMaxTokens:   v.GetInt("anthropic.maxTokens"),
		},
	}

	from, err := mail.ParseAddress(v.GetString("defaultFromEmail"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing defaultFromEmail")
	}
	conf.DefaultFromEmail = *from

	if addr := v.GetString("instructorEmail"); addr != "" {
		if conf.InstructorEmail, err = mail.ParseAddress(addr); err != nil {
			return nil, errors.Wrap(err, "parsing instructorEmail")
		}
	}

	for _, s := range v.GetStringSlice("session.checkpoints") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing session checkpoint %q", s)
		}
		conf.Session.Checkpoints = append(conf.Session.Checkpoints, d)
	}

	if err = conf.Session.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c SessionConfig) validate() error {
	if c.ActiveDuration <= 0 {
		return errors.Errorf("session.activeDuration must be positive (got %s)", c.ActiveDuration)
	}
	if c.GraceDuration < 0 {
		return errors.Errorf("session.graceDuration must not be negative (got %s)", c.GraceDuration)
	}
	if c.MaxSaveAttempts < 1 {
		return errors.Errorf("session.maxSaveAttempts must be at least 1 (got %d)", c.MaxSaveAttempts)
	}

	// thresholds are whole, positive and strictly increasing seconds
	var prev time.Duration
	for _, th := range c.Checkpoints {
		if th <= prev || th%time.Second != 0 {
			return errors.Errorf("session.checkpoints must be whole, positive and strictly increasing seconds (got %s after %s)", th, prev)
		}
		prev = th
	}
	return nil
}
