package strategy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"signal-trigger/internal/model"
)

type RegistryTestSuite struct {
	suite.Suite
	registry *Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.registry = NewRegistry()
}

func newCondition(id, instrument string) model.Condition {
	return model.Condition{
		ConditionID:   id,
		Instrument:    instrument,
		IndicatorName: "rsi_14",
		Operator:      model.OpGreater,
		Threshold:     50,
		Action:        model.ActionBuy,
		PositionSize:  1,
		Confidence:    0.7,
	}
}

func (suite *RegistryTestSuite) TestAddCondition() {
	id, err := suite.registry.AddCondition(newCondition("a", "BTC-USDT"))
	suite.Require().NoError(err)
	suite.Equal("a", id)
	suite.True(suite.registry.Contains("a"))

	got := suite.registry.Get("a")
	suite.Require().True(got.IsSome())
	suite.True(got.Unwrap().IsActive)
	suite.False(got.Unwrap().CreatedAt.IsZero())

	_, err = suite.registry.AddCondition(newCondition("a", "ETH-USDT"))
	suite.ErrorIs(err, ErrDuplicateCondition)
	suite.Equal(1, suite.registry.Len())
}

func (suite *RegistryTestSuite) TestAddGeneratesID() {
	id, err := suite.registry.AddCondition(newCondition("", "BTC-USDT"))
	suite.Require().NoError(err)
	suite.Len(id, 36)
	suite.True(suite.registry.Contains(id))
}

func (suite *RegistryTestSuite) TestAddRejectsInvalid() {
	c := newCondition("bad", "BTC-USDT")
	c.Operator = "~="
	_, err := suite.registry.AddCondition(c)
	suite.ErrorIs(err, model.ErrInvalidCondition)
	suite.False(suite.registry.Contains("bad"))
}

func (suite *RegistryTestSuite) TestRemoveIsIdempotent() {
	_, err := suite.registry.AddCondition(newCondition("a", "BTC-USDT"))
	suite.Require().NoError(err)

	suite.True(suite.registry.RemoveCondition("a"))
	suite.False(suite.registry.RemoveCondition("a"))
	suite.False(suite.registry.RemoveCondition("never-registered"))
	suite.Empty(suite.registry.ListActive("BTC-USDT"))
	suite.True(suite.registry.Get("a").IsNone())
}

func (suite *RegistryTestSuite) TestCancelledCannotBeReAdded() {
	_, err := suite.registry.AddCondition(newCondition("a", "BTC-USDT"))
	suite.Require().NoError(err)
	suite.Require().True(suite.registry.RemoveCondition("a"))

	suite.True(suite.registry.Consumed("a"))
	_, err = suite.registry.AddCondition(newCondition("a", "BTC-USDT"))
	suite.ErrorIs(err, ErrConsumedCondition)
	suite.NotErrorIs(err, ErrDuplicateCondition)
	suite.False(suite.registry.Contains("a"))
}

func (suite *RegistryTestSuite) TestDroppedInstrumentCanBeReAdded() {
	_, err := suite.registry.AddCondition(newCondition("a", "BTC-USDT"))
	suite.Require().NoError(err)
	suite.Require().Equal(1, suite.registry.RemoveInstrument("BTC-USDT"))

	suite.False(suite.registry.Consumed("a"))
	_, err = suite.registry.AddCondition(newCondition("a", "BTC-USDT"))
	suite.NoError(err)
}

func (suite *RegistryTestSuite) TestRemoveInstrument() {
	for _, id := range []string{"a", "b"} {
		_, err := suite.registry.AddCondition(newCondition(id, "BTC-USDT"))
		suite.Require().NoError(err)
	}
	_, err := suite.registry.AddCondition(newCondition("c", "ETH-USDT"))
	suite.Require().NoError(err)

	suite.Equal(2, suite.registry.RemoveInstrument("BTC-USDT"))
	suite.Equal(0, suite.registry.RemoveInstrument("BTC-USDT"))
	suite.Equal(1, suite.registry.Len())
	suite.True(suite.registry.Contains("c"))
}

func (suite *RegistryTestSuite) TestListActive() {
	for _, c := range []model.Condition{
		newCondition("e1", "ETH-USDT"),
		newCondition("b1", "BTC-USDT"),
		newCondition("b2", "BTC-USDT"),
	} {
		_, err := suite.registry.AddCondition(c)
		suite.Require().NoError(err)
	}

	btc := suite.registry.ListActive("BTC-USDT")
	suite.Require().Len(btc, 2)
	suite.Equal("b1", btc[0].ConditionID)
	suite.Equal("b2", btc[1].ConditionID)

	all := suite.registry.ListActive("")
	suite.Require().Len(all, 3)
	suite.Equal("BTC-USDT", all[0].Instrument)
	suite.Equal("ETH-USDT", all[2].Instrument)

	suite.Empty(suite.registry.ListActive("SOL-USDT"))

	btc[0].Threshold = 99
	suite.Equal(50.0, suite.registry.Get("b1").Unwrap().Threshold)
}

func (suite *RegistryTestSuite) TestConcurrentAddRemove() {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := []string{"BTC-USDT", "ETH-USDT"}[i%2]
			id, err := suite.registry.AddCondition(newCondition("", inst))
			if err != nil {
				return
			}
			if i%3 == 0 {
				suite.registry.RemoveCondition(id)
			}
		}(i)
	}
	wg.Wait()
	suite.Equal(50-17, suite.registry.Len())
	suite.Len(suite.registry.ListActive(""), 50-17)
}

func (suite *RegistryTestSuite) TestCreatedAtUsesClock() {
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	suite.registry.now = func() time.Time { return fixed }
	_, err := suite.registry.AddCondition(newCondition("a", "BTC-USDT"))
	suite.Require().NoError(err)
	suite.Equal(fixed, suite.registry.Get("a").Unwrap().CreatedAt)
}
