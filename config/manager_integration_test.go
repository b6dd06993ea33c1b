//go:build integration

package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/pilotstreams/natsclient"
)

type ManagerIntegrationSuite struct {
	suite.Suite
	testClient *natsclient.TestClient
	bucket     string
	ctx        context.Context
	cancel     context.CancelFunc
}

func (s *ManagerIntegrationSuite) SetupSuite() {
	s.testClient = natsclient.NewTestClient(s.T(), natsclient.WithJetStream())
}

func (s *ManagerIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.bucket = "PILOT_CONFIG_" + sanitizeTestName(s.T().Name())
}

func (s *ManagerIntegrationSuite) TearDownTest() {
	s.cancel()
	_ = s.testClient.Client.DeleteKeyValueBucket(context.Background(), s.bucket)
}

func (s *ManagerIntegrationSuite) newManager(version string, cores int) *Manager {
	cfg := Defaults()
	cfg.Version = version
	cfg.Pilot.Cores = cores
	cm, err := NewConfigManager(s.ctx, cfg, s.testClient.Client, s.bucket, nil)
	s.Require().NoError(err)
	s.Require().NoError(cm.Start(s.ctx))
	s.T().Cleanup(func() { _ = cm.Stop(5 * time.Second) })
	return cm
}

func (s *ManagerIntegrationSuite) TestFirstBootPushesSections() {
	cm := s.newManager("1.0.0", 4)

	keys, err := cm.kvStore.Keys(s.ctx)
	s.Require().NoError(err)
	s.Contains(keys, "version")
	s.Contains(keys, "pilot")
	s.Contains(keys, "stages")

	entry, err := cm.kvStore.Get(s.ctx, "pilot")
	s.Require().NoError(err)
	var pilot PilotConfig
	s.Require().NoError(json.Unmarshal(entry.Value, &pilot))
	s.Equal(4, pilot.Cores)
}

func (s *ManagerIntegrationSuite) TestBucketWinsUnlessFileIsNewer() {
	first := s.newManager("1.0.0", 4)
	s.Require().NoError(first.Stop(time.Second))

	// Same version: the stored cores win over the file.
	same := s.newManager("1.0.0", 8)
	s.Equal(4, same.GetConfig().Get().Pilot.Cores)
	s.Require().NoError(same.Stop(time.Second))

	// Newer file version is pushed.
	newer := s.newManager("1.1.0", 16)
	s.Equal(16, newer.GetConfig().Get().Pilot.Cores)
	s.Equal("1.1.0", newer.kvVersion(s.ctx))
}

func (s *ManagerIntegrationSuite) TestWatchAppliesUpdates() {
	cm := s.newManager("1.0.0", 2)
	updates := cm.OnChange("log")
	<-updates

	_, err := cm.kvStore.Put(s.ctx, "log", []byte(`{"level": "debug", "format": "text"}`))
	s.Require().NoError(err)

	select {
	case u := <-updates:
		s.Equal("log", u.Path)
		s.Equal("debug", u.Config.Get().Log.Level)
	case <-time.After(5 * time.Second):
		s.Fail("no update received")
	}

	// An invalid section is not applied.
	_, err = cm.kvStore.Put(s.ctx, "pilot", []byte(`{"cores": 0}`))
	s.Require().NoError(err)
	s.Never(func() bool { return cm.GetConfig().Get().Pilot.Cores != 2 },
		300*time.Millisecond, 50*time.Millisecond)

	// Deleting a section restores the file value.
	s.Require().NoError(cm.kvStore.Delete(s.ctx, "log"))
	s.Eventually(func() bool { return cm.GetConfig().Get().Log.Level == "info" },
		5*time.Second, 50*time.Millisecond)
}

func sanitizeTestName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func TestManagerIntegrationSuite(t *testing.T) {
	suite.Run(t, new(ManagerIntegrationSuite))
}
