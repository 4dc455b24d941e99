// Package shared wires the stores, providers and services used by every app.
package shared

import (
	"context"
	"fmt"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/rubric"
	"github.com/trezcool/tathmini/core/session"
	"github.com/trezcool/tathmini/core/submission"
	gradingsvc "github.com/trezcool/tathmini/services/grading"
	"github.com/trezcool/tathmini/services/limiter"
	transcriptionsvc "github.com/trezcool/tathmini/services/transcription"
	"github.com/trezcool/tathmini/storage/database"
	dummydb "github.com/trezcool/tathmini/storage/database/dummy"
	sqlxrepos "github.com/trezcool/tathmini/storage/database/sqlx"
	mongostore "github.com/trezcool/tathmini/storage/mongo"
	redisstore "github.com/trezcool/tathmini/storage/redis"
)

const (
	StoreSQL    = "sql"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Stores holds the repositories selected by `store.engine`.
// Submissions live in the SQL database unless everything is kept in memory.
type Stores struct {
	DB          *sqlx.DB // nil for the memory engine
	Sessions    session.Repository
	Submissions submission.Repository

	closers []func() error
}

// OpenStores connects to the configured stores. The SQL database is created and migrated if needed.
func OpenStores(ctx context.Context, conf *core.Config, logger core.Logger) (*Stores, error) {
	if conf.StoreEngine == StoreMemory {
		logger.Info("using in-memory stores, nothing will be persisted")
		return NewStores(ctx, conf, nil)
	}

	db, err := SetUpDB(conf)
	if err != nil {
		return nil, errors.Wrap(err, "setting up database")
	}
	st, err := NewStores(ctx, conf, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	st.closers = append([]func() error{db.Close}, st.closers...)
	return st, nil
}

// NewStores builds the repositories over an open SQL database, which is ignored by the memory engine.
// Closing the returned stores does not close db.
func NewStores(ctx context.Context, conf *core.Config, db *sqlx.DB) (*Stores, error) {
	st := new(Stores)
	if conf.StoreEngine == StoreMemory {
		mem := dummydb.Open()
		st.Sessions = dummydb.NewSessionRepository(mem)
		st.Submissions = dummydb.NewSubmissionRepository(mem)
		return st, nil
	}
	if db == nil {
		return nil, errors.Errorf("store engine %q needs a SQL database", conf.StoreEngine)
	}
	st.DB = db
	st.Submissions = sqlxrepos.NewSubmissionRepository(db)

	switch conf.StoreEngine {
	case StoreSQL:
		st.Sessions = sqlxrepos.NewSessionRepository(db)
	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		st.closers = append(st.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = st.Close()
			return nil, errors.Wrap(err, "pinging redis")
		}
		st.Sessions = redisstore.NewSessionRepository(rdb, "")
	case StoreMongo:
		client, err := mongostore.Connect(ctx, conf.Mongo.URI)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, disconnect(client))
		if st.Sessions, err = mongostore.NewSessionRepository(mongostore.Options{
			Client:   client,
			Database: conf.Mongo.Database,
		}); err != nil {
			_ = st.Close()
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported store engine %q", conf.StoreEngine)
	}
	return st, nil
}

func disconnect(client *mongodriver.Client) func() error {
	return func() error { return client.Disconnect(context.Background()) }
}

// Close releases the connections in reverse opening order and returns the first error.
func (st *Stores) Close() error {
	var first error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	st.closers = nil
	return first
}

func SetUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewProviders returns the transcription and grading providers, rate limited.
// A provider without an API key is replaced by its offline dummy.
func NewProviders(conf *core.Config, logger core.Logger) (session.Transcriber, session.Grader, error) {
	pc := conf.Providers

	transcriber := transcriptionsvc.NewDummyTranscriber()
	if pc.OpenAIKey != "" {
		t, err := transcriptionsvc.NewWhisperTranscriberFromAPIKey(pc.OpenAIKey, pc.TranscriptionModel)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating transcriber")
		}
		transcriber = t
	} else {
		logger.Warn("openai.apiKey is not set: using the offline transcriber")
	}

	grader := gradingsvc.NewDummyGrader()
	if pc.AnthropicKey != "" {
		g, err := gradingsvc.NewAnthropicGraderFromAPIKey(pc.AnthropicKey, pc.GradingModel, pc.GradingMaxTokens)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating grader")
		}
		grader = g
	} else {
		logger.Warn("anthropic.apiKey is not set: using the offline grader")
	}

	return limiter.Transcriber(transcriber, limiter.New(pc.RatePerMinute, pc.Burst)),
		limiter.Grader(grader, limiter.New(pc.RatePerMinute, pc.Burst)),
		nil
}

// NewValidator returns the request validator with its english translations.
func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	return validate, translator
}

type ServicesDeps struct {
	Conf        *core.Config
	Logger      core.Logger
	Stores      *Stores
	MailSvc     core.EmailService
	Transcriber session.Transcriber
	Grader      session.Grader
	Clock       core.Clock
}

// NewServices builds the session and submission services.
func NewServices(deps ServicesDeps) (*session.Service, *submission.Service, error) {
	rb, err := rubric.Load(deps.Conf.RubricPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading rubric")
	}
	opts, err := session.OptionsFromConfig(deps.Conf)
	if err != nil {
		return nil, nil, err
	}

	subSvc := submission.NewService(submission.ServiceDeps{
		Repo:    deps.Stores.Submissions,
		Rubric:  rb,
		MailSvc: deps.MailSvc,
		Clock:   deps.Clock,
		Notify:  deps.Conf.InstructorEmail,
	})
	sessSvc := session.NewService(session.ServiceDeps{
		Repo:        deps.Stores.Sessions,
		Transcriber: deps.Transcriber,
		Grader:      deps.Grader,
		Submissions: subSvc,
		Rubric:      rb,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	}, opts)

	deps.Logger.Info(fmt.Sprintf("sessions: %s store, %d checkpoints over %s (+%s grace)",
		deps.Conf.StoreEngine, len(opts.Checkpoints.Checkpoints()), opts.ActiveDuration, opts.GraceDuration))
	return sessSvc, subSvc, nil
}
