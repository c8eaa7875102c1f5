package client

import "github.com/marmos91/cephmount/pkg/messenger"

func newMessengerTransport(tc TransportConfig) (Transport, error) {
	m, err := messenger.New(messenger.Config{
		MyAddr:       tc.MyAddr,
		Dispatch:     tc.Dispatch,
		PreparePages: tc.PreparePages,
		Queue:        tc.Queue,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
