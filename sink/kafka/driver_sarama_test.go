package kafka

import (
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"conveyor/internal/x12"
)

func TestDriver_ProducesOneMessagePerSegment(t *testing.T) {
	defer goleak.VerifyNone(t)

	mp := mocks.NewAsyncProducer(t, mocks.NewTestConfig())
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		v, _ := m.Value.Encode()
		k, _ := m.Key.Encode()
		if string(v) != "ST*837*0001~" || string(k) != "high" {
			return fmt.Errorf("unexpected message %q key %q", v, k)
		}
		return nil
	})
	mp.ExpectInputAndSucceed()

	d := &driver{p: mp}
	require.NoError(t, d.Configure(Config{Topic: "claims-high", Key: "high"}))
	require.NoError(t, d.Push(x12.NewSegment("ST", "837", "0001")))
	require.NoError(t, d.Push(x12.NewSegment("SE", "2", "0001")))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestDriver_DeliveryFailureSurfaces(t *testing.T) {
	defer goleak.VerifyNone(t)

	mp := mocks.NewAsyncProducer(t, mocks.NewTestConfig())
	mp.ExpectInputAndFail(sarama.ErrNotLeaderForPartition)

	d := &driver{p: mp}
	require.NoError(t, d.Configure(Config{Topic: "claims-low"}))
	require.NoError(t, d.Push(x12.NewSegment("GE", "1", "1")))
	err := d.Close()
	require.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
}

func TestDriver_ConfigureValidates(t *testing.T) {
	require.Error(t, (&driver{}).Configure(Config{}))
	require.Error(t, (&driver{}).Configure(42))
}

func TestDriver_FollowsDetectedSeparator(t *testing.T) {
	defer goleak.VerifyNone(t)

	mp := mocks.NewAsyncProducer(t, mocks.NewTestConfig())
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if v, _ := m.Value.Encode(); string(v) != "GE|1|1~" {
			return fmt.Errorf("unexpected message %q", v)
		}
		return nil
	})

	det := &x12.Detected{}
	d := &driver{p: mp}
	require.NoError(t, d.Configure(Config{Topic: "claims-low", Detected: det}))
	det.Set(x12.Delimiters{Element: '|', Segment: "~"})
	require.NoError(t, d.Push(x12.NewSegment("GE", "1", "1")))
	require.NoError(t, d.Close())
}
