package main

import "novachain/core"

func decodeAddressArg(s string) (core.Address, error) {
	addr, err := core.DecodeAddress(s)
	if err != nil {
		return core.ZeroAddress, userErr(err)
	}
	return addr, nil
}
