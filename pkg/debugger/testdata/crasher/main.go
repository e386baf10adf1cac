package main

import "fmt"

type account struct {
	Owner   string
	Balance int
}

func withdraw(a *account, amount int) {
	if amount > a.Balance {
		panic(fmt.Sprintf("insufficient funds: %d > %d", amount, a.Balance))
	}
	a.Balance -= amount
}

func main() {
	acct := &account{Owner: "ada", Balance: 10}
	for _, amount := range []int{3, 4, 5} {
		withdraw(acct, amount)
	}
}
