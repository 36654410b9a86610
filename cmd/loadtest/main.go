package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/UbiquitousAS/WorkshopEventSourcing/adapters/nats"
	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
)

// === Config ===

// NOTE: run nats: docker run --net=host nats:latest -js

var (
	logLevel      = slog.LevelInfo
	N             = getEnvInt("N", 50_000)
	batchSize     = getEnvInt("B", 1_000)
	backendType   = getEnv("BACKEND", "memory")
	loadAfterSave = getEnvBool("LOAD_AFTER_SAVE", false)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "0")
	if v == "" {
		return fallback
	}
	if v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	fmt.Printf("      N: %d\n", N)
	fmt.Printf("Backend: %s\n", backendType)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	streams := createStreamStore(log)
	types := es.NewTypeMapper()
	es.RegisterEvent[NameChanged](types)
	es.RegisterEvent[EmailChanged](types)

	users := es.NewTypedStore[*User](log, es.NewAggregateStore(log, streams, types))

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	startAt := time.Now()

	var userID = "user-1"
	myUser, err := users.Load(ctx, userID)
	checkErr(err)
	checkErr(myUser.ChangeName("loadtest"))

	lastTime := time.Now()

	var res es.AppendResult
	for i := 0; i < N; i++ {
		// write a change
		checkErr(myUser.ChangeEmail(fmt.Sprintf("user@host-%d.com", i)))
		res, err = users.Save(ctx, myUser)
		checkErr(err)

		if loadAfterSave {
			loaded, err := users.Load(ctx, userID)
			checkErr(err)
			if loaded.GetVersion() != myUser.GetVersion() {
				panic(fmt.Sprintf("version mismatch: %d != %d", loaded.GetVersion(), myUser.GetVersion()))
			}
		}

		if i == 0 {
			continue
		}
		if i%100 == 0 {
			print(".")
		}
		if i%batchSize == 0 {
			mu := getMemUsage()

			n := time.Now()
			took := n.Sub(lastTime)
			fmt.Printf(" | %5d events | %6d ms |  %6d events/s | (%d / %d) MiB mem (sys) |\n", batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			lastTime = n
		}
	}

	// === stats ===
	println("")
	println("==========================================")

	doneAt := time.Now()
	took := doneAt.Sub(startAt)
	runtime.GC()

	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("      version: %d\n", myUser.GetVersion())
	fmt.Printf("   commit pos: %d\n", res.Position.Commit)
	fmt.Printf("avg. writes/s: %d\n", int(float64(N)/took.Seconds()))
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Backend ===

func createStreamStore(log *slog.Logger) es.StreamStore {
	switch backendType {
	case "nats":
		store, err := nats.NewStreamStore(nats.StreamStoreConfig{
			Log:           log,
			Connect:       nats.ConnectDefault(),
			StreamName:    "workshop_loadtest",
			SubjectPrefix: "workshop.loadtest",
		})
		checkErr(err)
		return store
	default:
		return es.NewInMemoryStreamStore()
	}
}

// === Domain ===

type (
	User struct {
		es.AggregateRoot

		Name  string
		Email string
	}

	NameChanged  struct{ NewName string }
	EmailChanged struct{ NewEmail string }
)

func (u *User) GetAggType() string { return "user" }

func (u *User) Apply(e any) error {
	switch evt := e.(type) {
	case *NameChanged:
		u.Name = evt.NewName
		return nil
	case *EmailChanged:
		u.Email = evt.NewEmail
		return nil
	}
	return fmt.Errorf("unknown event: %T", e)
}

func (u *User) ChangeName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	return es.RaiseAndApply(u, &NameChanged{NewName: name})
}

func (u *User) ChangeEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is empty")
	}
	return es.RaiseAndApply(u, &EmailChanged{NewEmail: email})
}

var _ es.Aggregate = (*User)(nil)

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
